// Package confessbot implements a Discord bot for moderated, optionally
// anonymous confessions, plus a persona relay that reposts members'
// messages under a guild character's name and avatar.
//
// Confessions are submitted through a modal, reviewed by a guild's admin
// role in an admin channel, and published as forum threads once
// approved. Readers can reply anonymously from a published thread.
//
// Key components of the package include:
//
//   - Bot: owns the lifecycle, from database and gateway setup to
//     graceful shutdown.
//   - Discord: the gateway session, connection state and guild counts.
//   - relayer: persona relay through per-channel webhooks, with
//     attachment caps and size-scaled timeouts.
//   - characterCache: guild character lists, in memory or in redis.
//   - API: a read-only status server.
//
// Guild administrators configure the bot with /setup, moderate with
// /pending, /approve and friends, and manage characters with
// /character-config and /character-manage. The older two-persona
// idol/fan setup is still accepted and migrated to a character system
// on startup.
package confessbot

// Package feed implements realtime.Subscriber over a Phoenix-channel style
// WebSocket change feed.
//
// Each subscription:
//   - Dials its own socket and sends phx_join with a postgres_changes filter
//   - Reports subscribed on an ok join reply, channel_error on a rejected one
//   - Times out if the join reply or a heartbeat reply does not arrive
//   - Maps socket errors to channel_error and close frames to closed
//   - Decodes INSERT/UPDATE/DELETE row images into model.ChangeEvent
package feed

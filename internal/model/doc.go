// Package model defines shared data types used across the pin sync layer.
//
// Conventions:
//   - IDs: task and user IDs are UUID strings
//   - Timestamps: time.Time, compared and hashed in UTC
//   - PinOrder: nil means "no explicit order" and sorts after every ordered pin
package model

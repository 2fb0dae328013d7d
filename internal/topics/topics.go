// Package topics maps logical fan-out topics to the bus channel and key
// namespace shared with every other process on the same redis deployment.
package topics

import (
	"fmt"
	"strings"
)

const (
	vehiclePrefix = "vehicle:"
	routePrefix   = "route:"
	updatesSuffix = ":updates"
)

// Redis key templates shared across processes. The %v slot carries the
// vehicle identifier.
const (
	latestKeyTemplate  = "vehicle:%v:latest"
	historyKeyTemplate = "vehicle:%v:history"
	sharingKeyTemplate = "vehicle:%v:sharing"
)

// TopicForVehicle returns the fan-out topic for a single vehicle.
func TopicForVehicle(vehicleID int64) string {
	return fmt.Sprintf("%s%d", vehiclePrefix, vehicleID)
}

// TopicForRoute returns the fan-out topic for every vehicle on a route.
func TopicForRoute(routeID int64) string {
	return fmt.Sprintf("%s%d", routePrefix, routeID)
}

// TopicToChannel converts a logical topic into its bus channel name.
// Unrecognized input is passed through unchanged so that a foreign topic
// never silently collides with the update namespace.
func TopicToChannel(topic string) string {
	if id, ok := strings.CutPrefix(topic, vehiclePrefix); ok {
		return vehiclePrefix + id + updatesSuffix
	}
	if id, ok := strings.CutPrefix(topic, routePrefix); ok {
		return routePrefix + id + updatesSuffix
	}
	return topic
}

// ChannelToTopic inverts TopicToChannel. Unrecognized channels pass through
// unchanged, mirroring TopicToChannel.
func ChannelToTopic(channel string) string {
	body, ok := strings.CutSuffix(channel, updatesSuffix)
	if !ok {
		return channel
	}
	if strings.HasPrefix(body, vehiclePrefix) || strings.HasPrefix(body, routePrefix) {
		return body
	}
	return channel
}

// LatestKey returns the store key holding the most recent position event.
func LatestKey(vehicleID int64) string {
	return fmt.Sprintf(latestKeyTemplate, vehicleID)
}

// HistoryKey returns the store key holding the bounded position log.
func HistoryKey(vehicleID int64) string {
	return fmt.Sprintf(historyKeyTemplate, vehicleID)
}

// SharingKey returns the store key holding the sharing lease flag.
func SharingKey(vehicleID int64) string {
	return fmt.Sprintf(sharingKeyTemplate, vehicleID)
}

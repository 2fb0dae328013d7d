package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"transitlive/relay/internal/logging"
	"transitlive/relay/internal/protocol"
	"transitlive/relay/internal/topics"
)

func errBadRequest(message, requestID string) []byte {
	return protocol.Err(protocol.CodeBadRequest, message, requestID, nil)
}

// handleMessage services one inbound frame. The returned flag is true when
// the connection must close (failed auth); per-message errors keep it open.
func (b *Broker) handleMessage(c *client, raw []byte) bool {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrNotObject) {
			_ = c.Deliver(errBadRequest("Message must be a JSON object", ""))
		} else {
			_ = c.Deliver(protocol.Err(protocol.CodeBadRequest, "Invalid JSON format", "", map[string]any{"detail": err.Error()}))
		}
		return false
	}

	switch env.Type {
	case protocol.TypeAuth:
		return b.handleAuth(c, env)
	case protocol.TypePing:
		b.handlePing(c, env)
	case protocol.TypeRouteSubscribe:
		b.handleRouteSubscribe(c, env)
	case protocol.TypeRouteUnsubscribe:
		b.handleRouteUnsubscribe(c, env)
	case protocol.TypeVehicleSubscribe:
		b.handleVehicleSubscribe(c, env)
	case protocol.TypeVehicleUnsubscribe:
		b.handleVehicleUnsubscribe(c, env)
	case protocol.TypeShare:
		b.handleShare(c, env)
	case protocol.TypeBroadcast:
		b.handleBroadcast(c, env)
	default:
		_ = c.Deliver(protocol.Err(protocol.CodeUnknownType, "Unknown type: "+env.Type, env.RequestID,
			map[string]any{"supported": protocol.SupportedTypes}))
	}
	return false
}

// handleAuth verifies the bearer token and attaches the identity. A rejected
// token is the one protocol error that closes the connection.
func (b *Broker) handleAuth(c *client, env *protocol.Envelope) bool {
	var payload protocol.AuthPayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = c.Deliver(errBadRequest(err.Error(), env.RequestID))
		return false
	}

	identity, err := b.verifier.VerifyToken(b.baseCtx, payload.Token)
	if err != nil {
		b.log.Warn("token verification unavailable", logging.Error(err))
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Authentication temporarily unavailable", env.RequestID, nil))
		return false
	}
	if identity == nil {
		_ = c.Deliver(protocol.Err(protocol.CodeUnauthorized, "Invalid token", env.RequestID, nil))
		b.registry.Unregister(c)
		c.shutdown(websocket.ClosePolicyViolation)
		return true
	}

	b.registry.SetAuth(c, identity)
	_ = c.Deliver(protocol.OK("auth.ok", env.RequestID, map[string]any{
		"user_id": identity.UserID,
		"role":    string(identity.Role),
	}))
	return false
}

func (b *Broker) handlePing(c *client, env *protocol.Envelope) {
	_ = c.Deliver(protocol.OK("pong", env.RequestID, map[string]any{"ts": time.Now().Unix()}))
}

func (b *Broker) handleRouteSubscribe(c *client, env *protocol.Envelope) {
	var payload protocol.RoutePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = c.Deliver(errBadRequest(err.Error(), env.RequestID))
		return
	}
	if !payload.RouteID.Present() {
		_ = c.Deliver(errBadRequest("route_id is required", env.RequestID))
		return
	}
	routeID := payload.RouteID.Int64()

	route, err := b.directory.GetRoute(b.baseCtx, routeID)
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Route lookup failed", env.RequestID, nil))
		return
	}
	if route == nil {
		_ = c.Deliver(protocol.Err(protocol.CodeNotFound, "Route not found", env.RequestID, nil))
		return
	}

	b.registry.Subscribe(c, topics.TopicForRoute(routeID))
	_ = c.Deliver(protocol.OK("route.subscribe.ok", env.RequestID, map[string]any{"route_id": routeID}))
}

func (b *Broker) handleRouteUnsubscribe(c *client, env *protocol.Envelope) {
	var payload protocol.RoutePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = c.Deliver(errBadRequest(err.Error(), env.RequestID))
		return
	}
	if !payload.RouteID.Present() {
		_ = c.Deliver(errBadRequest("route_id is required", env.RequestID))
		return
	}
	routeID := payload.RouteID.Int64()

	b.registry.Unsubscribe(c, topics.TopicForRoute(routeID))
	_ = c.Deliver(protocol.OK("route.unsubscribe.ok", env.RequestID, map[string]any{"route_id": routeID}))
}

// handleVehicleSubscribe admits admins, vehicle members and, while the
// sharing lease is active, anyone at all. The session and share-token fields
// are accepted but grant nothing on their own.
func (b *Broker) handleVehicleSubscribe(c *client, env *protocol.Envelope) {
	var payload protocol.VehicleSubscribePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = c.Deliver(errBadRequest(err.Error(), env.RequestID))
		return
	}
	if !payload.VehicleID.Present() {
		_ = c.Deliver(errBadRequest("vehicle_id is required", env.RequestID))
		return
	}
	vehicleID := payload.VehicleID.Int64()

	vehicle, err := b.directory.GetVehicle(b.baseCtx, vehicleID)
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Vehicle lookup failed", env.RequestID, nil))
		return
	}
	if vehicle == nil {
		_ = c.Deliver(protocol.Err(protocol.CodeNotFound, "Vehicle not found", env.RequestID, nil))
		return
	}

	identity := b.registry.Auth(c)
	allowed, err := b.authorizer.CanSubscribe(b.baseCtx, identity, vehicleID, payload.SessionID, payload.ShareToken)
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Authorization check failed", env.RequestID, nil))
		return
	}
	if !allowed {
		_ = c.Deliver(protocol.Err(protocol.CodeForbidden, "Not allowed to watch this vehicle", env.RequestID, nil))
		return
	}

	b.registry.Subscribe(c, topics.TopicForVehicle(vehicleID))
	_ = c.Deliver(protocol.OK("vehicle.subscribe.ok", env.RequestID, map[string]any{"vehicle_id": vehicleID}))

	//1.- New watchers get the stored latest position immediately so the map
	// is not empty until the next broadcast.
	if latest, err := b.history.GetLatest(b.baseCtx, vehicleID); err == nil && latest != nil {
		_ = c.Deliver(latest)
	}
}

func (b *Broker) handleVehicleUnsubscribe(c *client, env *protocol.Envelope) {
	var payload protocol.VehicleSubscribePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = c.Deliver(errBadRequest(err.Error(), env.RequestID))
		return
	}
	if !payload.VehicleID.Present() {
		_ = c.Deliver(errBadRequest("vehicle_id is required", env.RequestID))
		return
	}
	vehicleID := payload.VehicleID.Int64()

	b.registry.Unsubscribe(c, topics.TopicForVehicle(vehicleID))
	_ = c.Deliver(protocol.OK("vehicle.unsubscribe.ok", env.RequestID, map[string]any{"vehicle_id": vehicleID}))
}

func (b *Broker) handleShare(c *client, env *protocol.Envelope) {
	identity := b.registry.Auth(c)
	if identity == nil {
		_ = c.Deliver(protocol.Err(protocol.CodeUnauthorized, "Authenticate first with type=auth", env.RequestID, nil))
		return
	}

	var payload protocol.SharePayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = c.Deliver(errBadRequest(err.Error(), env.RequestID))
		return
	}
	if !payload.VehicleID.Present() {
		_ = c.Deliver(errBadRequest("vehicle_id is required", env.RequestID))
		return
	}
	vehicleID := payload.VehicleID.Int64()
	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}

	allowed, err := b.authorizer.CanPublish(b.baseCtx, identity, vehicleID)
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Authorization check failed", env.RequestID, nil))
		return
	}
	if !allowed {
		_ = c.Deliver(protocol.Err(protocol.CodeForbidden, "Not allowed to share for this vehicle", env.RequestID, nil))
		return
	}

	if err := b.sharing.SetSharing(b.baseCtx, vehicleID, enabled); err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Sharing update failed", env.RequestID, nil))
		return
	}

	_ = c.Deliver(protocol.OK("vehicle.location.share.ok", env.RequestID, map[string]any{
		"vehicle_id": vehicleID,
		"enabled":    enabled,
	}))
}

func (b *Broker) handleBroadcast(c *client, env *protocol.Envelope) {
	identity := b.registry.Auth(c)
	if identity == nil {
		_ = c.Deliver(protocol.Err(protocol.CodeUnauthorized, "Authenticate first with type=auth", env.RequestID, nil))
		return
	}

	var payload protocol.BroadcastPayload
	if err := env.DecodePayload(&payload); err != nil {
		_ = c.Deliver(errBadRequest(err.Error(), env.RequestID))
		return
	}
	if !payload.VehicleID.Present() || !payload.Lat.Present() || !payload.Lng.Present() {
		_ = c.Deliver(protocol.Err(protocol.CodeBadRequest, "vehicle_id, lat, lng are required", env.RequestID,
			map[string]any{"expected": map[string]string{
				"vehicle_id": "integer",
				"lat":        "number",
				"lng":        "number",
			}}))
		return
	}
	vehicleID := payload.VehicleID.Int64()

	active, err := b.sharing.IsSharingActive(b.baseCtx, vehicleID)
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Sharing lookup failed", env.RequestID, nil))
		return
	}
	if !active {
		_ = c.Deliver(protocol.Err(protocol.CodeSharingInactive, "Start sharing before broadcasting location", env.RequestID, nil))
		return
	}

	allowed, err := b.authorizer.CanPublish(b.baseCtx, identity, vehicleID)
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Authorization check failed", env.RequestID, nil))
		return
	}
	if !allowed {
		_ = c.Deliver(protocol.Err(protocol.CodeForbidden, "Not allowed to broadcast for this vehicle", env.RequestID, nil))
		return
	}

	vehicle, err := b.directory.GetVehicle(b.baseCtx, vehicleID)
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Vehicle lookup failed", env.RequestID, nil))
		return
	}
	if vehicle == nil {
		_ = c.Deliver(protocol.Err(protocol.CodeNotFound, "Vehicle not found", env.RequestID, nil))
		return
	}

	event := protocol.LocationEvent{
		VehicleID:   vehicleID,
		PlateNumber: vehicle.PlateNumber,
		RouteID:     vehicle.RouteID,
		Lat:         payload.Lat.Float64(),
		Lng:         payload.Lng.Float64(),
		Heading:     payload.Heading,
		SpeedMps:    payload.SpeedMps,
		AccuracyM:   payload.AccuracyM,
		RecordedAt:  payload.RecordedAt,
		ReceivedAt:  time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	raw, err := json.Marshal(protocol.Response{
		Type: protocol.TypeLocationUpdate,
		Data: map[string]any{
			"vehicle_id":   event.VehicleID,
			"plate_number": event.PlateNumber,
			"route_id":     event.RouteID,
			"lat":          event.Lat,
			"lng":          event.Lng,
			"heading":      event.Heading,
			"speed_mps":    event.SpeedMps,
			"accuracy_m":   event.AccuracyM,
			"recorded_at":  event.RecordedAt,
			"received_at":  event.ReceivedAt,
		},
	})
	if err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Event encoding failed", env.RequestID, nil))
		return
	}

	if err := b.history.SaveLatestAndHistory(b.baseCtx, vehicleID, raw); err != nil {
		b.log.Error("history persist failed", logging.Int64("vehicle_id", vehicleID), logging.Error(err))
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Location persist failed", env.RequestID, nil))
		return
	}

	//1.- Publish to the vehicle channel and, when the vehicle runs a route,
	// to the route channel as well; every process's relay fans them out.
	vehicleChannel := topics.TopicToChannel(topics.TopicForVehicle(vehicleID))
	if err := b.bus.Publish(b.baseCtx, vehicleChannel, string(raw)); err != nil {
		_ = c.Deliver(protocol.Err(protocol.CodeInternal, "Publish failed", env.RequestID, nil))
		return
	}
	if vehicle.RouteID != nil {
		routeChannel := topics.TopicToChannel(topics.TopicForRoute(*vehicle.RouteID))
		if err := b.bus.Publish(b.baseCtx, routeChannel, string(raw)); err != nil {
			b.log.Warn("route publish failed", logging.Int64("route_id", *vehicle.RouteID), logging.Error(err))
		}
	}

	//2.- An accepted broadcast keeps the sharing lease alive.
	if err := b.sharing.RefreshSharing(b.baseCtx, vehicleID); err != nil {
		b.log.Warn("sharing refresh failed", logging.Int64("vehicle_id", vehicleID), logging.Error(err))
	}

	b.broadcasts.Add(1)
	_ = c.Deliver(protocol.OK("vehicle.location.ack", env.RequestID, map[string]any{"status": "ok"}))
}

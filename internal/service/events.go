package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"aquadrop/internal/constants"
	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/models"
)

// Event names published by the backend
const (
	EventNewUpcomingMessage    = "new-upcoming-message"
	EventMessageSent           = "message-sent"
	EventMessageRead           = "message-read"
	EventOfferCreated          = "offer.created"
	EventOrderStatusUpdated    = "order.status.updated"
	EventOrderExpired          = "order.expired"
	EventOrderCancelled        = "order.cancelled"
	EventOrderUpdated          = "order.updated"
	EventDriverAcceptedOrder   = "DriverAcceptedOrder"
	EventDriverAssigned        = "driver.assigned"
	EventDriverLocationUpdated = "driver.location.updated"
)

// Event is a decoded realtime event. The concrete type is one of the *Event
// structs in this file; unknown names decode to GenericEvent.
type Event interface {
	Channel() string
	Name() string
	isEvent()
}

type eventMeta struct {
	channel string
	name    string
}

func (m eventMeta) Channel() string { return m.channel }
func (m eventMeta) Name() string    { return m.name }
func (eventMeta) isEvent()          {}

// ChatMessageEvent carries a new or echoed chat message
type ChatMessageEvent struct {
	eventMeta
	Message *models.Message
}

// MessageReadEvent marks messages in a conversation as read
type MessageReadEvent struct {
	eventMeta
	ConversationID string
	MessageIDs     []models.ID
	ReaderID       string
	ReadAt         time.Time
}

// OfferEvent is a driver offer for an order
type OfferEvent struct {
	eventMeta
	Offer models.Offer
}

// OrderStatusEvent reports an order status change
type OrderStatusEvent struct {
	eventMeta
	OrderID    models.ID
	EventID    models.ID
	Status     string
	Note       string
	OccurredAt time.Time
	// Estimated is set when the payload carried no timestamp.
	Estimated bool
}

// DriverAssignedEvent reports that a driver took an order
type DriverAssignedEvent struct {
	eventMeta
	OrderID    models.ID
	DriverID   models.ID
	DriverName string
	OccurredAt time.Time
	Estimated  bool
}

// DriverLocationEvent is one location sample from the assigned driver
type DriverLocationEvent struct {
	eventMeta
	OrderID  models.ID
	Location models.DriverLocation
}

// GenericEvent passes through events without a typed decoder
type GenericEvent struct {
	eventMeta
	Data json.RawMessage
}

// NormalizeEventName strips the leading dot and PHP namespace that Laravel
// broadcasting may put in front of event names.
func NormalizeEventName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), ".")
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// DecodeEvent turns a raw payload into a typed Event. now stamps events that
// carry no timestamp of their own.
func DecodeEvent(channel, name string, data []byte, now time.Time) (Event, error) {
	name = NormalizeEventName(name)
	meta := eventMeta{channel: channel, name: name}

	switch name {
	case EventNewUpcomingMessage, EventMessageSent:
		return decodeChatMessage(meta, data)
	case EventMessageRead:
		return decodeMessageRead(meta, data, now)
	case EventOfferCreated:
		return decodeOffer(meta, data, now)
	case EventOrderStatusUpdated, EventOrderExpired, EventOrderCancelled, EventOrderUpdated:
		return decodeOrderStatus(meta, data, now)
	case EventDriverAcceptedOrder, EventDriverAssigned:
		return decodeDriverAssigned(meta, data, now)
	case EventDriverLocationUpdated:
		return decodeDriverLocation(meta, data, now)
	default:
		if len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
			return nil, apperrors.NewMalformedEventError(channel, name, "payload is not valid JSON")
		}
		return &GenericEvent{eventMeta: meta, Data: json.RawMessage(append([]byte(nil), data...))}, nil
	}
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func malformed(meta eventMeta, format string, args ...interface{}) error {
	return apperrors.NewMalformedEventError(meta.channel, meta.name, fmt.Sprintf(format, args...))
}

type chatEnvelope struct {
	models.ChatPayload
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeChatMessage(meta eventMeta, data []byte) (Event, error) {
	var env chatEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed(meta, "invalid chat payload: %v", err)
	}

	p := env.ChatPayload
	for _, nested := range []json.RawMessage{env.Message, env.Data} {
		if !isObject(nested) {
			continue
		}
		var inner models.ChatPayload
		if err := json.Unmarshal(nested, &inner); err != nil {
			return nil, malformed(meta, "invalid nested message: %v", err)
		}
		if inner.ChatID.IsZero() && inner.ConversationID.IsZero() {
			inner.ChatID = p.ChatID
			inner.ConversationID = p.ConversationID
		}
		p = inner
		break
	}
	if p.Body == "" && p.Text == "" && len(env.Message) > 0 && env.Message[0] == '"' {
		_ = json.Unmarshal(env.Message, &p.Body)
	}

	msg := p.ToMessage()
	if msg.ConversationID == "" {
		return nil, malformed(meta, "chat message without conversation id")
	}
	if msg.SenderID == "" {
		return nil, malformed(meta, "chat message without sender id")
	}
	if msg.ID.IsZero() && msg.Body == "" {
		return nil, malformed(meta, "chat message without id or body")
	}
	return &ChatMessageEvent{eventMeta: meta, Message: msg}, nil
}

type readPayload struct {
	ChatID         models.ID        `json:"chat_id"`
	ConversationID models.ID        `json:"conversation_id"`
	MessageID      models.ID        `json:"message_id"`
	MessageIDs     []models.ID      `json:"message_ids"`
	ReaderID       models.ID        `json:"reader_id"`
	UserID         models.ID        `json:"user_id"`
	ReadAt         models.Timestamp `json:"read_at"`
	Message        json.RawMessage  `json:"message"`
}

func decodeMessageRead(meta eventMeta, data []byte, now time.Time) (Event, error) {
	var p readPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed(meta, "invalid read payload: %v", err)
	}
	if isObject(p.Message) {
		var inner models.ChatPayload
		if err := json.Unmarshal(p.Message, &inner); err != nil {
			return nil, malformed(meta, "invalid nested message: %v", err)
		}
		if p.MessageID.IsZero() {
			p.MessageID = inner.ID
		}
		if p.ChatID.IsZero() {
			p.ChatID = inner.ChatID
		}
		if p.ConversationID.IsZero() {
			p.ConversationID = inner.ConversationID
		}
		if p.ReadAt.IsZero() {
			p.ReadAt = inner.ReadAt
		}
	}

	conv := p.ChatID
	if conv.IsZero() {
		conv = p.ConversationID
	}
	ids := p.MessageIDs
	if !p.MessageID.IsZero() {
		ids = append(ids, p.MessageID)
	}
	if conv.IsZero() && len(ids) == 0 {
		return nil, malformed(meta, "read receipt without conversation or message id")
	}

	reader := p.ReaderID
	if reader.IsZero() {
		reader = p.UserID
	}
	readAt := p.ReadAt.Time
	if readAt.IsZero() {
		readAt = now
	}

	return &MessageReadEvent{
		eventMeta:      meta,
		ConversationID: conv.String(),
		MessageIDs:     ids,
		ReaderID:       reader.String(),
		ReadAt:         readAt,
	}, nil
}

// flexFloat accepts numbers and numeric strings; decimals often arrive as strings
type flexFloat struct {
	value float64
	set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	f.value, f.set = v, true
	return nil
}

type orderPayload struct {
	ID         models.ID        `json:"id"`
	EventID    models.ID        `json:"event_id"`
	OrderID    models.ID        `json:"order_id"`
	OfferID    models.ID        `json:"offer_id"`
	DriverID   models.ID        `json:"driver_id"`
	Name       string           `json:"name"`
	Status     string           `json:"status"`
	Note       string           `json:"note"`
	Reason     string           `json:"reason"`
	Price      flexFloat        `json:"price"`
	Lat        flexFloat        `json:"lat"`
	Lng        flexFloat        `json:"lng"`
	Latitude   flexFloat        `json:"latitude"`
	Longitude  flexFloat        `json:"longitude"`
	OccurredAt models.Timestamp `json:"occurred_at"`
	UpdatedAt  models.Timestamp `json:"updated_at"`
	CreatedAt  models.Timestamp `json:"created_at"`
	Timestamp  models.Timestamp `json:"timestamp"`
	Order      json.RawMessage  `json:"order"`
	Offer      json.RawMessage  `json:"offer"`
	Driver     json.RawMessage  `json:"driver"`
	Location   json.RawMessage  `json:"location"`
}

func (p *orderPayload) at(now time.Time) time.Time {
	for _, ts := range []models.Timestamp{p.OccurredAt, p.UpdatedAt, p.CreatedAt, p.Timestamp} {
		if !ts.IsZero() {
			return ts.Time
		}
	}
	return now
}

// estimated reports whether at falls back to the arrival time
func (p *orderPayload) estimated() bool {
	return p.OccurredAt.IsZero() && p.UpdatedAt.IsZero() && p.CreatedAt.IsZero() && p.Timestamp.IsZero()
}

func (p *orderPayload) fill(from *orderPayload) {
	if p.OrderID.IsZero() {
		p.OrderID = from.OrderID
	}
	if p.DriverID.IsZero() {
		p.DriverID = from.DriverID
	}
	if p.Status == "" {
		p.Status = from.Status
	}
	if p.Note == "" {
		p.Note = from.Note
	}
	if p.Reason == "" {
		p.Reason = from.Reason
	}
	if !p.Price.set {
		p.Price = from.Price
	}
	for _, pair := range [][2]*flexFloat{{&p.Lat, &from.Lat}, {&p.Lng, &from.Lng}, {&p.Latitude, &from.Latitude}, {&p.Longitude, &from.Longitude}} {
		if !pair[0].set {
			*pair[0] = *pair[1]
		}
	}
	if p.OccurredAt.IsZero() && p.UpdatedAt.IsZero() && p.CreatedAt.IsZero() && p.Timestamp.IsZero() {
		p.OccurredAt = from.OccurredAt
		p.UpdatedAt = from.UpdatedAt
		p.CreatedAt = from.CreatedAt
		p.Timestamp = from.Timestamp
	}
}

// decodeOrderPayload reads a flat payload and folds in the nested order,
// offer, driver and location objects the backend sometimes wraps fields in.
func decodeOrderPayload(meta eventMeta, data []byte) (*orderPayload, error) {
	var p orderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed(meta, "invalid order payload: %v", err)
	}

	decodeNested := func(raw json.RawMessage, what string) (*orderPayload, error) {
		if !isObject(raw) {
			return nil, nil
		}
		var inner orderPayload
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, malformed(meta, "invalid nested %s: %v", what, err)
		}
		return &inner, nil
	}

	if inner, err := decodeNested(p.Order, "order"); err != nil {
		return nil, err
	} else if inner != nil {
		if p.OrderID.IsZero() {
			p.OrderID = inner.ID
		}
		p.fill(inner)
	}
	if inner, err := decodeNested(p.Offer, "offer"); err != nil {
		return nil, err
	} else if inner != nil {
		if p.OfferID.IsZero() {
			p.OfferID = inner.ID
		}
		p.fill(inner)
	}
	if inner, err := decodeNested(p.Driver, "driver"); err != nil {
		return nil, err
	} else if inner != nil {
		if p.DriverID.IsZero() {
			p.DriverID = inner.ID
		}
		if p.Name == "" {
			p.Name = inner.Name
		}
		p.fill(inner)
	}
	if inner, err := decodeNested(p.Location, "location"); err != nil {
		return nil, err
	} else if inner != nil {
		p.fill(inner)
	}

	if p.OrderID.IsZero() {
		if id, ok := orderIDFromChannel(meta.channel); ok {
			p.OrderID = id
		}
	}
	return &p, nil
}

func orderIDFromChannel(channel string) (models.ID, bool) {
	if !strings.HasPrefix(channel, constants.OrderChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, constants.OrderChannelPrefix)
	if id == "" {
		return "", false
	}
	return models.ID(id), true
}

func decodeOffer(meta eventMeta, data []byte, now time.Time) (Event, error) {
	p, err := decodeOrderPayload(meta, data)
	if err != nil {
		return nil, err
	}
	offerID := p.OfferID
	if offerID.IsZero() && len(p.Offer) == 0 {
		offerID = p.ID
	}
	if p.OrderID.IsZero() || offerID.IsZero() {
		return nil, malformed(meta, "offer without order or offer id")
	}
	return &OfferEvent{
		eventMeta: meta,
		Offer: models.Offer{
			ID:        offerID,
			OrderID:   p.OrderID,
			DriverID:  p.DriverID,
			Price:     p.Price.value,
			CreatedAt: p.at(now),
		},
	}, nil
}

func decodeOrderStatus(meta eventMeta, data []byte, now time.Time) (Event, error) {
	p, err := decodeOrderPayload(meta, data)
	if err != nil {
		return nil, err
	}
	if p.OrderID.IsZero() {
		if len(p.Order) == 0 && !p.ID.IsZero() {
			p.OrderID = p.ID
		} else {
			return nil, malformed(meta, "order event without order id")
		}
	}

	status := strings.ToLower(p.Status)
	switch meta.name {
	case EventOrderExpired:
		if status == "" {
			status = "expired"
		}
	case EventOrderCancelled:
		if status == "" {
			status = "cancelled"
		}
	}
	note := p.Note
	if note == "" {
		note = p.Reason
	}

	return &OrderStatusEvent{
		eventMeta:  meta,
		OrderID:    p.OrderID,
		EventID:    p.EventID,
		Status:     status,
		Note:       note,
		OccurredAt: p.at(now),
		Estimated:  p.estimated(),
	}, nil
}

func decodeDriverAssigned(meta eventMeta, data []byte, now time.Time) (Event, error) {
	p, err := decodeOrderPayload(meta, data)
	if err != nil {
		return nil, err
	}
	if p.OrderID.IsZero() || p.DriverID.IsZero() {
		return nil, malformed(meta, "driver assignment without order or driver id")
	}
	return &DriverAssignedEvent{
		eventMeta:  meta,
		OrderID:    p.OrderID,
		DriverID:   p.DriverID,
		DriverName: p.Name,
		OccurredAt: p.at(now),
		Estimated:  p.estimated(),
	}, nil
}

func decodeDriverLocation(meta eventMeta, data []byte, now time.Time) (Event, error) {
	p, err := decodeOrderPayload(meta, data)
	if err != nil {
		return nil, err
	}
	lat, lng := p.Lat, p.Lng
	if !lat.set {
		lat = p.Latitude
	}
	if !lng.set {
		lng = p.Longitude
	}
	if !lat.set || !lng.set {
		return nil, malformed(meta, "location update without coordinates")
	}
	if lat.value < -90 || lat.value > 90 || lng.value < -180 || lng.value > 180 {
		return nil, malformed(meta, "coordinates out of range")
	}
	return &DriverLocationEvent{
		eventMeta: meta,
		OrderID:   p.OrderID,
		Location: models.DriverLocation{
			DriverID:   p.DriverID,
			Latitude:   lat.value,
			Longitude:  lng.value,
			RecordedAt: p.at(now),
		},
	}, nil
}

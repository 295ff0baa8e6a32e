// README: Emergency coordinator; SOS lifecycle and admin fan-out.
package emergency

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"oasis/internal/types"
)

var (
	ErrNotFound       = errors.New("emergency alert not found")
	ErrNotCancellable = errors.New("emergency alert cannot be cancelled by this user")
	ErrBadStatus      = errors.New("not a terminal resolution status")
)

// Safety-critical notifications are retried, unlike ordinary location
// broadcasts where a newer update supersedes a stale retry.
const notifyRetries = 3

// Broadcaster is the slice of the connection hub the coordinator needs.
type Broadcaster interface {
	BroadcastToAdmins(event string, payload any)
	EmitToUser(userID types.ID, event string, payload any)
}

// Gateway delivers out-of-band notifications (push to emergency contacts
// and the ops channel). Delivery runs off the request path.
type Gateway interface {
	NotifyEmergency(ctx context.Context, alert *Alert) error
}

// Geocoder resolves a human-readable address, best-effort.
type Geocoder interface {
	AddressAt(ctx context.Context, p types.Point) string
}

// AlertStore is the durable incident log.
type AlertStore interface {
	Insert(ctx context.Context, a *Alert) error
	AppendLocation(ctx context.Context, id types.ID, ping LocationPing) error
	Cancel(ctx context.Context, id, userID types.ID, at time.Time) error
	Resolve(ctx context.Context, id, adminID types.ID, status Status, notes string, at time.Time) error
	Get(ctx context.Context, id types.ID) (*Alert, error)
	HistoryForUser(ctx context.Context, userID types.ID) ([]*Alert, error)
}

// TriggerCommand opens an alert. RideID is optional; an SOS can happen
// outside any active ride.
type TriggerCommand struct {
	UserID   types.ID
	UserType string
	RideID   types.ID
	Type     Type
	Location types.Point
	Message  string
}

// Coordinator owns active alerts. Active alerts have no timeout of any
// kind: silence may itself be the emergency signal, so only an explicit
// cancel or resolve terminates one.
type Coordinator struct {
	mu     sync.Mutex
	active map[types.ID]*Alert

	store    AlertStore
	hub      Broadcaster
	gateway  Gateway
	geocoder Geocoder

	now           func() time.Time
	notifyBackoff time.Duration
}

func NewCoordinator(store AlertStore, hub Broadcaster, gateway Gateway, geocoder Geocoder) *Coordinator {
	return &Coordinator{
		active:        make(map[types.ID]*Alert),
		store:         store,
		hub:           hub,
		gateway:       gateway,
		geocoder:      geocoder,
		now:           time.Now,
		notifyBackoff: 500 * time.Millisecond,
	}
}

// TriggerSOS opens an alert, confirms activation to the caller, and fans
// out to admins. Gateway delivery continues in the background with retry.
func (c *Coordinator) TriggerSOS(ctx context.Context, cmd TriggerCommand) (*Alert, error) {
	if cmd.UserID == "" {
		return nil, errors.New("emergency trigger without user identity")
	}
	if cmd.Type == "" {
		cmd.Type = TypeSOSPanic
	}

	now := c.now()
	alert := &Alert{
		ID:          types.ID(uuid.NewString()),
		UserID:      cmd.UserID,
		UserType:    cmd.UserType,
		RideID:      cmd.RideID,
		Type:        cmd.Type,
		Status:      StatusActive,
		Location:    cmd.Location,
		Message:     cmd.Message,
		TriggeredAt: now,
		UpdatedAt:   now,
		LocationHistory: []LocationPing{
			{Position: cmd.Location, Timestamp: now},
		},
	}
	if c.geocoder != nil {
		alert.Address = c.geocoder.AddressAt(ctx, cmd.Location)
	}

	c.mu.Lock()
	c.active[alert.ID] = alert
	snap := alert.clone()
	c.mu.Unlock()

	if err := c.store.Insert(ctx, snap); err != nil {
		log.Printf("emergency: persisting alert %s: %v", snap.ID, err)
	}

	c.hub.EmitToUser(snap.UserID, EventSOSActivated, ActivatedEvent{
		EmergencyID: snap.ID,
		TriggeredAt: snap.TriggeredAt,
	})
	c.hub.BroadcastToAdmins(EventEmergencyAlert, AlertEvent{Alert: snap})
	log.Printf("emergency: alert %s (%s) triggered by %s", snap.ID, snap.Type, snap.UserID)

	go c.notifyWithRetry(snap)
	return snap, nil
}

// UpdateLocation ingests a position push against an active alert and
// re-broadcasts to admins.
func (c *Coordinator) UpdateLocation(ctx context.Context, id types.ID, p types.Point) (*Alert, error) {
	now := c.now()
	ping := LocationPing{Position: p, Timestamp: now}

	c.mu.Lock()
	alert, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	alert.Location = p
	alert.UpdatedAt = now
	alert.LocationHistory = append(alert.LocationHistory, ping)
	snap := alert.clone()
	c.mu.Unlock()

	if err := c.store.AppendLocation(ctx, id, ping); err != nil {
		log.Printf("emergency: appending location for alert %s: %v", id, err)
	}
	c.hub.BroadcastToAdmins(EventEmergencyAlert, AlertEvent{Alert: snap})
	return snap, nil
}

// Cancel closes an alert on its owner's request. Only the owner may
// cancel, and only while the alert is live.
func (c *Coordinator) Cancel(ctx context.Context, id, userID types.ID) error {
	c.mu.Lock()
	alert, ok := c.active[id]
	if !ok || alert.UserID != userID || alert.Status.terminal() {
		c.mu.Unlock()
		return ErrNotCancellable
	}
	now := c.now()
	alert.Status = StatusCancelled
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	snap := alert.clone()
	delete(c.active, id)
	c.mu.Unlock()

	if err := c.store.Cancel(ctx, id, userID, now); err != nil {
		log.Printf("emergency: recording cancel for alert %s: %v", id, err)
	}
	c.hub.BroadcastToAdmins(EventEmergencyCancelled, AlertEvent{Alert: snap})
	log.Printf("emergency: alert %s cancelled by owner", id)
	return nil
}

// Resolve closes an alert from the admin side with resolved or
// false_alarm, notifying the affected user.
func (c *Coordinator) Resolve(ctx context.Context, id, adminID types.ID, status Status, notes string) error {
	if status != StatusResolved && status != StatusFalseAlarm {
		return ErrBadStatus
	}

	c.mu.Lock()
	alert, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	now := c.now()
	alert.Status = status
	alert.ResolvedBy = adminID
	alert.Notes = notes
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	snap := alert.clone()
	delete(c.active, id)
	c.mu.Unlock()

	if err := c.store.Resolve(ctx, id, adminID, status, notes, now); err != nil {
		log.Printf("emergency: recording resolution for alert %s: %v", id, err)
	}
	c.hub.EmitToUser(snap.UserID, EventEmergencyResolved, ResolvedEvent{
		EmergencyID: id,
		Status:      status,
		Notes:       notes,
	})
	log.Printf("emergency: alert %s resolved as %s by %s", id, status, adminID)
	return nil
}

// Active snapshots the live alerts, oldest first.
func (c *Coordinator) Active() []*Alert {
	c.mu.Lock()
	alerts := make([]*Alert, 0, len(c.active))
	for _, a := range c.active {
		alerts = append(alerts, a.clone())
	}
	c.mu.Unlock()

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].TriggeredAt.Before(alerts[j].TriggeredAt)
	})
	return alerts
}

// Get resolves one alert, live or from the incident log.
func (c *Coordinator) Get(ctx context.Context, id types.ID) (*Alert, error) {
	c.mu.Lock()
	alert, ok := c.active[id]
	if ok {
		snap := alert.clone()
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()
	return c.store.Get(ctx, id)
}

// HistoryForUser lists a user's alerts from the incident log.
func (c *Coordinator) HistoryForUser(ctx context.Context, userID types.ID) ([]*Alert, error) {
	return c.store.HistoryForUser(ctx, userID)
}

func (c *Coordinator) notifyWithRetry(alert *Alert) {
	if c.gateway == nil {
		return
	}
	backoff := c.notifyBackoff
	for attempt := 1; attempt <= notifyRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.gateway.NotifyEmergency(ctx, alert)
		cancel()
		if err == nil {
			return
		}
		log.Printf("emergency: notify attempt %d for alert %s: %v", attempt, alert.ID, err)
		if attempt < notifyRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	log.Printf("emergency: giving up notifying for alert %s", alert.ID)
}

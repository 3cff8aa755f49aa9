// Package osc relays heart rate readings as OSC 1.0 messages over UDP.
// Sends are best effort: one datagram per reading, never retried.
package osc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"
	"golang.org/x/time/rate"

	"github.com/chaz8081/ble2osc/internal/eventbus"
	"github.com/chaz8081/ble2osc/internal/heartrate"
)

// DefaultAddress is the OSC address readings are sent to.
const DefaultAddress = "/heartrate"

var (
	ErrSendFailed = errors.New("osc: send failed")
	ErrQueueFull  = errors.New("osc: send queue full")
)

// Options configures message layout and the send queue.
type Options struct {
	Address            string        // OSC address path
	IncludeEnergy      bool          // append energy expended (kJ, -1 when absent)
	IncludeContact     bool          // append contact (-1 unsupported, 0 none, 1 detected)
	IncludeRR          bool          // append one float32 per RR interval, in seconds
	QueueSize          int           // max readings waiting for the sender
	FailureLogInterval time.Duration // min interval between send-failure log lines
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Address:            DefaultAddress,
		QueueSize:          64,
		FailureLogInterval: 5 * time.Second,
	}
}

// Sender delivers one packet to a destination.
type Sender interface {
	Send(dest Destination, packet goosc.Packet) error
}

// UDPSender sends through go-osc clients, one per destination.
type UDPSender struct {
	mu     sync.Mutex
	dest   Destination
	client *goosc.Client
}

func (s *UDPSender) Send(dest Destination, packet goosc.Packet) error {
	s.mu.Lock()
	if s.client == nil || s.dest != dest {
		host := dest.Host
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			host = "[" + host + "]"
		}
		s.client = goosc.NewClient(host, dest.Port)
		s.dest = dest
	}
	client := s.client
	s.mu.Unlock()
	return client.Send(packet)
}

// SendResult is the payload of send events.
type SendResult struct {
	Destination Destination `json:"destination"`
	Address     string      `json:"address"`
	Value       uint16      `json:"value"`
	Error       string      `json:"error,omitempty"`
}

type job struct {
	dest    Destination
	msg     *goosc.Message
	reading heartrate.Reading
}

// Relay formats readings and hands them to a background sender. Relay is
// goroutine-safe; the bridge loop is its only writer.
type Relay struct {
	opts    Options
	sender  Sender
	pub     eventbus.Publisher
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	dest    Destination
	hasDest bool
	enabled bool
	armed   bool
	closed  bool

	queue chan job
	wg    sync.WaitGroup
}

// NewRelay creates a relay and starts its sender goroutine. A nil sender
// selects UDPSender.
func NewRelay(opts Options, sender Sender, pub eventbus.Publisher, logger *slog.Logger) *Relay {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if sender == nil {
		sender = &UDPSender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.FailureLogInterval > 0 {
		limit = rate.Every(opts.FailureLogInterval)
	}
	r := &Relay{
		opts:    opts,
		sender:  sender,
		pub:     pub,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		queue:   make(chan job, opts.QueueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// ConfigureDestination validates and swaps the destination. An invalid
// destination is rejected and the previous one stays active.
func (r *Relay) ConfigureDestination(host string, port int) error {
	dest, err := NewDestination(host, port)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.dest = dest
	r.hasDest = true
	r.mu.Unlock()
	r.logger.Info("[OSC] destination set", "destination", dest.String())
	return nil
}

// Destination returns the active destination, if one was configured.
func (r *Relay) Destination() (Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dest, r.hasDest
}

// SetSendEnabled toggles sending independent of connection state.
func (r *Relay) SetSendEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// SendEnabled reports the user's send toggle.
func (r *Relay) SendEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Arm is driven by the state machine: armed exactly while subscribed.
func (r *Relay) Arm(armed bool) {
	r.mu.Lock()
	r.armed = armed
	r.mu.Unlock()
}

// Armed reports whether the state machine has armed the relay.
func (r *Relay) Armed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.armed
}

// Relay queues one datagram for the reading when sending is enabled and the
// relay is armed. It never blocks; the outcome is published as a
// SendSucceeded or SendFailed event. It reports whether a send was queued.
func (r *Relay) Relay(reading heartrate.Reading) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || !r.enabled || !r.armed {
		return false
	}
	if !r.hasDest {
		r.fail(Destination{}, reading, fmt.Errorf("%w: none configured", ErrInvalidDestination))
		return false
	}

	j := job{dest: r.dest, msg: r.Message(reading), reading: reading}
	select {
	case r.queue <- j:
		return true
	default:
		r.fail(j.dest, reading, ErrQueueFull)
		return false
	}
}

// Message formats a reading according to the relay options.
func (r *Relay) Message(reading heartrate.Reading) *goosc.Message {
	msg := goosc.NewMessage(r.opts.Address)
	msg.Append(int32(reading.Value))
	if r.opts.IncludeEnergy {
		energy := int32(-1)
		if reading.HasEnergy {
			energy = int32(reading.Energy)
		}
		msg.Append(energy)
	}
	if r.opts.IncludeContact {
		contact := int32(-1)
		switch reading.Contact {
		case heartrate.ContactNotDetected:
			contact = 0
		case heartrate.ContactDetected:
			contact = 1
		}
		msg.Append(contact)
	}
	if r.opts.IncludeRR {
		for _, d := range reading.RRIntervals() {
			msg.Append(float32(d.Seconds()))
		}
	}
	return msg
}

func (r *Relay) run() {
	defer r.wg.Done()
	for j := range r.queue {
		if err := r.sender.Send(j.dest, j.msg); err != nil {
			r.fail(j.dest, j.reading, fmt.Errorf("%w: %v", ErrSendFailed, err))
			continue
		}
		r.publish(eventbus.SendSucceeded, "sent "+j.msg.Address+" to "+j.dest.String(), SendResult{
			Destination: j.dest,
			Address:     j.msg.Address,
			Value:       j.reading.Value,
		})
	}
}

func (r *Relay) fail(dest Destination, reading heartrate.Reading, err error) {
	if r.limiter.Allow() {
		r.logger.Warn("[OSC] send failed", "destination", dest.String(), "error", err)
	}
	r.publish(eventbus.SendFailed, err.Error(), SendResult{
		Destination: dest,
		Address:     r.opts.Address,
		Value:       reading.Value,
		Error:       err.Error(),
	})
}

func (r *Relay) publish(typ eventbus.Type, msg string, payload any) {
	if r.pub != nil {
		r.pub.Publish(typ, msg, payload)
	}
}

// Close stops accepting readings and waits for queued sends to finish.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

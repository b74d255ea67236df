package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/groutine"
	"github.com/srg/blecon/internal/radio"
)

const (
	// DefaultWriteChunkSize fits the default ATT MTU of 23 bytes
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay separates consecutive chunks of one write
	DefaultWriteDelay = 10 * time.Millisecond
)

// PowerHook switches the host adapter on and off. go-ble has no power
// control of its own, so platforms that support it plug one in.
type PowerHook interface {
	SetPowered(ctx context.Context, on bool) error
}

// Options configure a Radio.
type Options struct {
	Logger         *logrus.Logger
	DeviceID       int
	ConnectTimeout time.Duration
	// StartGrace is how long a scan must run without failing before
	// StartScan reports success.
	StartGrace    time.Duration
	BatchInterval time.Duration
	BatchSize     int
	EventBuffer   int
	Power         PowerHook
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.StartGrace <= 0 {
		o.StartGrace = 150 * time.Millisecond
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 100 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 128
	}
}

// Radio implements radio.Radio with go-ble. Every request runs on its own
// goroutine and reports back through Events.
type Radio struct {
	opts   Options
	logger *logrus.Logger

	group  *groutine.Group
	events chan radio.Event

	closeMu sync.RWMutex
	closed  bool

	mu   sync.Mutex
	dev  Device
	scan *scanRun

	links   *hashmap.Map[string, *link]
	dialing *hashmap.Map[string, context.CancelFunc]
}

var _ radio.Radio = (*Radio)(nil)

// New creates a Radio. The platform device is created on the first PowerOn.
func New(opts Options) *Radio {
	opts.applyDefaults()
	return &Radio{
		opts:    opts,
		logger:  opts.Logger,
		group:   groutine.NewGroup(context.Background()),
		events:  make(chan radio.Event, opts.EventBuffer),
		links:   hashmap.New[string, *link](),
		dialing: hashmap.New[string, context.CancelFunc](),
	}
}

// Events returns the completion and event stream. It is closed by Shutdown.
func (r *Radio) Events() <-chan radio.Event {
	return r.events
}

// emit delivers ev unless the radio is shut down or ctx ends first.
func (r *Radio) emit(ctx context.Context, ev radio.Event) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	case <-r.group.Context().Done():
	}
}

func (r *Radio) complete(c radio.Completion) {
	if c.Err != nil {
		r.logger.WithFields(logrus.Fields{
			"req":   c.Req.Short(),
			"op":    c.Op.String(),
			"error": c.Err,
		}).Debug("Radio request failed")
	}
	r.emit(r.group.Context(), c)
}

// run executes a request on the radio's goroutine group.
func (r *Radio) run(req radio.RequestID, op radio.Op, fn func(ctx context.Context)) {
	name := fmt.Sprintf("ble-%s-%s", op, req.Short())
	if !r.group.Go(name, fn) {
		r.logger.WithField("op", op.String()).Debug("Radio is shut down, request dropped")
	}
}

func (r *Radio) device() Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dev
}

// ----------------------------
// Adapter
// ----------------------------

func (r *Radio) PowerOn(req radio.RequestID) {
	r.run(req, radio.OpPowerOn, func(ctx context.Context) {
		r.complete(radio.Completion{Req: req, Op: radio.OpPowerOn, Err: r.powerOn(ctx)})
	})
}

func (r *Radio) powerOn(ctx context.Context) error {
	if r.opts.Power != nil {
		if err := r.opts.Power.SetPowered(ctx, true); err != nil {
			return NormalizeError(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev != nil {
		return nil
	}

	dev, err := DeviceFactory(DeviceOptions{DeviceID: r.opts.DeviceID})
	if err != nil {
		return NormalizeError(err)
	}
	r.dev = dev
	r.logger.WithField("device_id", r.opts.DeviceID).Info("BLE adapter ready")
	return nil
}

func (r *Radio) PowerOff(req radio.RequestID) {
	r.run(req, radio.OpPowerOff, func(ctx context.Context) {
		r.complete(radio.Completion{Req: req, Op: radio.OpPowerOff, Err: r.powerOff(ctx)})
	})
}

func (r *Radio) powerOff(ctx context.Context) error {
	r.stopScan(ctx)
	r.closeAll()

	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()

	var errs []error
	if dev != nil {
		if err := dev.Stop(); err != nil {
			errs = append(errs, NormalizeError(err))
		}
	}
	if r.opts.Power != nil {
		if err := r.opts.Power.SetPowered(ctx, false); err != nil {
			errs = append(errs, NormalizeError(err))
		}
	}
	return errors.Join(errs...)
}

// ----------------------------
// Scan
// ----------------------------

type scanRun struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool
	reported atomic.Bool // outcome of StartScan decided
}

func (r *Radio) StartScan(req radio.RequestID, allowDuplicates bool) {
	r.run(req, radio.OpStartScan, func(ctx context.Context) {
		r.complete(radio.Completion{Req: req, Op: radio.OpStartScan, Err: r.startScan(ctx, allowDuplicates)})
	})
}

func (r *Radio) startScan(ctx context.Context, allowDup bool) error {
	r.mu.Lock()
	dev := r.dev
	if dev == nil {
		r.mu.Unlock()
		return radio.ErrBluetoothOff
	}
	if r.scan != nil {
		r.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(ctx)
	run := &scanRun{cancel: cancel, done: make(chan struct{})}
	r.scan = run
	r.mu.Unlock()

	ads := make(chan radio.Advertisement, r.opts.BatchSize*4)
	result := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	groutine.Go(scanCtx, "ble-scan-batch", func(ctx context.Context) {
		defer wg.Done()
		r.batch(ctx, ads)
	})
	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer wg.Done()
		err := dev.Scan(ctx, allowDup, func(a Advertisement) {
			select {
			case ads <- convertAdvertisement(a):
			case <-ctx.Done():
			}
		})
		cancel()

		if run.reported.CompareAndSwap(false, true) {
			result <- err
			return
		}
		// StartScan already reported success, so the end is unsolicited
		if !run.stopping.Load() && r.group.Context().Err() == nil {
			r.clearScan(run)
			r.logger.WithField("error", err).Warn("BLE scan stopped unexpectedly")
			r.emit(r.group.Context(), radio.ScanStopped{Err: NormalizeError(err)})
		}
	})
	go func() {
		wg.Wait()
		close(run.done)
	}()

	select {
	case err := <-result:
		return r.scanFailed(run, err)
	case <-time.After(r.opts.StartGrace):
		if !run.reported.CompareAndSwap(false, true) {
			return r.scanFailed(run, <-result)
		}
		r.logger.WithField("allow_duplicates", allowDup).Info("BLE scan started")
		return nil
	}
}

func (r *Radio) scanFailed(run *scanRun, err error) error {
	r.clearScan(run)
	if err == nil || errors.Is(err, context.Canceled) {
		err = errors.New("scan ended before it started")
	}
	return NormalizeError(err)
}

func (r *Radio) clearScan(run *scanRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scan == run {
		r.scan = nil
	}
}

// batch groups advertisements into DevicesFound events of at most
// BatchSize entries, flushed every BatchInterval.
func (r *Radio) batch(ctx context.Context, ads <-chan radio.Advertisement) {
	ticker := time.NewTicker(r.opts.BatchInterval)
	defer ticker.Stop()

	pending := make([]radio.Advertisement, 0, r.opts.BatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		r.emit(ctx, radio.DevicesFound{Devices: pending})
		pending = make([]radio.Advertisement, 0, r.opts.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case adv := <-ads:
			pending = append(pending, adv)
			if len(pending) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Radio) StopScan(req radio.RequestID) {
	r.run(req, radio.OpStopScan, func(ctx context.Context) {
		r.stopScan(ctx)
		r.complete(radio.Completion{Req: req, Op: radio.OpStopScan})
	})
}

func (r *Radio) stopScan(ctx context.Context) {
	r.mu.Lock()
	run := r.scan
	r.scan = nil
	r.mu.Unlock()
	if run == nil {
		return
	}

	run.stopping.Store(true)
	run.cancel()
	select {
	case <-run.done:
		r.logger.Info("BLE scan stopped")
	case <-ctx.Done():
	}
}

// ----------------------------
// Connection
// ----------------------------

func (r *Radio) Open(req radio.RequestID, deviceID string) {
	r.run(req, radio.OpOpen, func(ctx context.Context) {
		r.complete(radio.Completion{Req: req, Op: radio.OpOpen, DeviceID: deviceID, Err: r.open(ctx, deviceID)})
	})
}

func (r *Radio) open(ctx context.Context, deviceID string) error {
	dev := r.device()
	if dev == nil {
		return radio.ErrBluetoothOff
	}
	if _, ok := r.links.Get(deviceID); ok {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	r.dialing.Set(deviceID, cancel)
	defer r.dialing.Del(deviceID)

	r.logger.WithFields(logrus.Fields{
		"address": deviceID,
		"timeout": r.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	client, err := dev.Dial(dialCtx, deviceID)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.Canceled) {
			return fmt.Errorf("%w: connection attempt cancelled", radio.ErrNotConnected)
		}
		return NormalizeError(err)
	}

	l := newLink(deviceID, client, r.logger)
	r.links.Set(deviceID, l)
	r.monitor(l)

	r.logger.WithField("address", deviceID).Info("BLE device connected")
	return nil
}

// monitor reports link loss for clients that expose Disconnected().
func (r *Radio) monitor(l *link) {
	d, ok := l.client.(disconnecter)
	if !ok {
		r.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	r.group.Go("ble-link-monitor", func(ctx context.Context) {
		select {
		case <-d.Disconnected():
			if cur, ok := r.links.Get(l.id); ok && cur == l && r.links.Del(l.id) {
				r.logger.WithField("address", l.id).Warn("BLE link lost")
				l.release()
				r.emit(ctx, radio.Disconnected{DeviceID: l.id, Err: radio.ErrNotConnected})
			}
		case <-l.done:
		case <-ctx.Done():
		}
	})
}

func (r *Radio) Close(req radio.RequestID, deviceID string) {
	r.run(req, radio.OpClose, func(_ context.Context) {
		r.complete(radio.Completion{Req: req, Op: radio.OpClose, DeviceID: deviceID, Err: r.close(deviceID)})
	})
}

func (r *Radio) close(deviceID string) error {
	if cancel, ok := r.dialing.Get(deviceID); ok {
		cancel()
	}

	l, ok := r.links.Get(deviceID)
	if !ok || !r.links.Del(deviceID) {
		return nil
	}
	return l.disconnect()
}

func (r *Radio) closeAll() {
	r.dialing.Range(func(_ string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})

	var ids []string
	r.links.Range(func(id string, _ *link) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := r.close(id); err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Warn("Failed to close BLE link")
		}
	}
}

func (r *Radio) link(deviceID string) (*link, error) {
	l, ok := r.links.Get(deviceID)
	if !ok {
		return nil, radio.ErrNotConnected
	}
	return l, nil
}

// ----------------------------
// GATT
// ----------------------------

func (r *Radio) ListServices(req radio.RequestID, deviceID string) {
	r.run(req, radio.OpListServices, func(_ context.Context) {
		c := radio.Completion{Req: req, Op: radio.OpListServices, DeviceID: deviceID}
		l, err := r.link(deviceID)
		if err == nil {
			c.Services, err = l.discoverServices()
		}
		c.Err = err
		r.complete(c)
	})
}

func (r *Radio) ListCharacteristics(req radio.RequestID, deviceID, serviceID string) {
	r.run(req, radio.OpListCharacteristics, func(_ context.Context) {
		c := radio.Completion{Req: req, Op: radio.OpListCharacteristics, DeviceID: deviceID, ServiceID: serviceID}
		l, err := r.link(deviceID)
		if err == nil {
			c.Characteristics, err = l.discoverCharacteristics(serviceID)
		}
		c.Err = err
		r.complete(c)
	})
}

func (r *Radio) Write(req radio.RequestID, deviceID, serviceID, characteristicID string, data []byte) {
	data = append([]byte(nil), data...)
	r.run(req, radio.OpWrite, func(ctx context.Context) {
		c := radio.Completion{Req: req, Op: radio.OpWrite, DeviceID: deviceID, ServiceID: serviceID, CharacteristicID: characteristicID}
		l, err := r.link(deviceID)
		if err == nil {
			err = l.write(ctx, serviceID, characteristicID, data)
		}
		c.Err = err
		r.complete(c)
	})
}

func (r *Radio) Read(req radio.RequestID, deviceID, serviceID, characteristicID string) {
	r.run(req, radio.OpRead, func(_ context.Context) {
		c := radio.Completion{Req: req, Op: radio.OpRead, DeviceID: deviceID, ServiceID: serviceID, CharacteristicID: characteristicID}
		l, err := r.link(deviceID)
		if err == nil {
			c.Value, err = l.read(serviceID, characteristicID)
		}
		c.Err = err
		r.complete(c)
	})
}

func (r *Radio) SubscribeNotify(req radio.RequestID, deviceID, serviceID, characteristicID string, enabled bool) {
	r.run(req, radio.OpSubscribe, func(_ context.Context) {
		c := radio.Completion{Req: req, Op: radio.OpSubscribe, DeviceID: deviceID, ServiceID: serviceID, CharacteristicID: characteristicID}
		l, err := r.link(deviceID)
		if err == nil {
			if enabled {
				err = l.subscribe(serviceID, characteristicID, func(value []byte) {
					r.emit(r.group.Context(), radio.ValueChanged{
						DeviceID:         deviceID,
						ServiceID:        serviceID,
						CharacteristicID: characteristicID,
						Value:            append([]byte(nil), value...),
					})
				})
			} else {
				err = l.unsubscribe(serviceID, characteristicID)
			}
		}
		c.Err = err
		r.complete(c)
	})
}

// Shutdown stops the scan, closes every link, releases the platform device
// and closes Events. It blocks until in-flight requests have returned.
func (r *Radio) Shutdown() {
	r.closeMu.RLock()
	closed := r.closed
	r.closeMu.RUnlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ConnectTimeout)
	r.stopScan(ctx)
	cancel()
	r.closeAll()

	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()
	if dev != nil {
		if err := dev.Stop(); err != nil {
			r.logger.WithField("error", err).Warn("Failed to stop BLE device")
		}
	}

	r.group.Stop()

	r.closeMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.closeMu.Unlock()
	r.logger.Debug("BLE radio shut down")
}

// ----------------------------
// Link
// ----------------------------

type charKey struct {
	service, characteristic string
}

// link is one open GATT client connection.
type link struct {
	id     string
	client Client
	logger *logrus.Logger

	mu       sync.Mutex
	services map[string]*ble.Service
	chars    map[charKey]*ble.Characteristic
	subs     map[charKey]bool // value: subscribed with indications

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

func newLink(id string, client Client, logger *logrus.Logger) *link {
	return &link{
		id:       id,
		client:   client,
		logger:   logger,
		services: make(map[string]*ble.Service),
		chars:    make(map[charKey]*ble.Characteristic),
		subs:     make(map[charKey]bool),
		done:     make(chan struct{}),
	}
}

func (l *link) release() {
	l.doneOnce.Do(func() { close(l.done) })
}

// disconnect drops subscriptions best-effort, then cancels the connection.
func (l *link) disconnect() error {
	defer l.release()

	l.mu.Lock()
	subs := make(map[charKey]bool, len(l.subs))
	for k, ind := range l.subs {
		subs[k] = ind
	}
	l.subs = make(map[charKey]bool)
	chars := l.chars
	l.mu.Unlock()

	for k, ind := range subs {
		if c := chars[k]; c != nil {
			if err := l.client.Unsubscribe(c, ind); err != nil {
				l.logger.WithFields(logrus.Fields{
					"service":        k.service,
					"characteristic": k.characteristic,
					"error":          NormalizeError(err),
				}).Debug("Failed to unsubscribe during disconnect")
			}
		}
	}

	l.logger.WithField("address", l.id).Info("Disconnecting BLE device...")
	return NormalizeError(l.client.CancelConnection())
}

func (l *link) discoverServices() ([]string, error) {
	svcs, err := l.client.DiscoverServices(nil)
	if err != nil {
		return nil, NormalizeError(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(svcs))
	for _, s := range svcs {
		id := radio.NormalizeUUID(s.UUID.String())
		if _, dup := l.services[id]; !dup {
			ids = append(ids, id)
		}
		l.services[id] = s
	}
	return ids, nil
}

func (l *link) discoverCharacteristics(serviceID string) ([]radio.CharacteristicInfo, error) {
	serviceID = radio.NormalizeUUID(serviceID)

	l.mu.Lock()
	svc := l.services[serviceID]
	l.mu.Unlock()
	if svc == nil {
		return nil, fmt.Errorf("%w: service %s", radio.ErrNotFound, serviceID)
	}

	chars, err := l.client.DiscoverCharacteristics(nil, svc)
	if err != nil {
		return nil, NormalizeError(err)
	}

	infos := make([]radio.CharacteristicInfo, 0, len(chars))
	for _, c := range chars {
		caps := capabilities(c.Property)
		if caps.Notify {
			// Subscribing needs the CCCD, which only descriptor discovery fills in
			if _, err := l.client.DiscoverDescriptors(nil, c); err != nil {
				l.logger.WithFields(logrus.Fields{
					"characteristic": c.UUID.String(),
					"error":          err,
				}).Warn("Failed to discover descriptors")
			}
		}

		id := radio.NormalizeUUID(c.UUID.String())
		l.mu.Lock()
		l.chars[charKey{serviceID, id}] = c
		l.mu.Unlock()
		infos = append(infos, radio.CharacteristicInfo{ID: id, Capabilities: caps})
	}
	return infos, nil
}

func capabilities(p ble.Property) radio.Capabilities {
	return radio.Capabilities{
		Read:   p&ble.CharRead != 0,
		Write:  p&(ble.CharWrite|ble.CharWriteNR) != 0,
		Notify: p&(ble.CharNotify|ble.CharIndicate) != 0,
	}
}

func (l *link) characteristic(serviceID, characteristicID string) (charKey, *ble.Characteristic, error) {
	k := charKey{radio.NormalizeUUID(serviceID), radio.NormalizeUUID(characteristicID)}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.chars[k]
	if c == nil {
		return k, nil, fmt.Errorf("%w: characteristic %s in service %s", radio.ErrNotFound, k.characteristic, k.service)
	}
	return k, c, nil
}

func (l *link) write(ctx context.Context, serviceID, characteristicID string, data []byte) error {
	_, c, err := l.characteristic(serviceID, characteristicID)
	if err != nil {
		return err
	}
	noRsp := c.Property&ble.CharWrite == 0

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for len(data) > 0 {
		n := min(len(data), DefaultWriteChunkSize)
		if err := l.client.WriteCharacteristic(c, data[:n], noRsp); err != nil {
			return NormalizeError(err)
		}
		data = data[n:]
		if len(data) > 0 {
			select {
			case <-time.After(DefaultWriteDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (l *link) read(serviceID, characteristicID string) ([]byte, error) {
	_, c, err := l.characteristic(serviceID, characteristicID)
	if err != nil {
		return nil, err
	}
	value, err := l.client.ReadCharacteristic(c)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return value, nil
}

func (l *link) subscribe(serviceID, characteristicID string, h ble.NotificationHandler) error {
	k, c, err := l.characteristic(serviceID, characteristicID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	_, already := l.subs[k]
	l.mu.Unlock()
	if already {
		return nil
	}

	// Prefer notifications and fall back to indications
	ind := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	if err := l.client.Subscribe(c, ind, h); err != nil {
		return NormalizeError(err)
	}

	l.mu.Lock()
	l.subs[k] = ind
	l.mu.Unlock()
	return nil
}

func (l *link) unsubscribe(serviceID, characteristicID string) error {
	k, c, err := l.characteristic(serviceID, characteristicID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	ind, ok := l.subs[k]
	delete(l.subs, k)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return NormalizeError(l.client.Unsubscribe(c, ind))
}

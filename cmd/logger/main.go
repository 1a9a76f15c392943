// cmd/logger/main.go
//
// Wires every OpenPonyLogger service together: HAL, sensor registry,
// ring buffer, OPL writer, session manager, scheduler, UART
// co-processor protocol, and debug display. Construction-time wiring
// with no package-level globals, graceful shutdown on signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio"

	"openponylogger/bus"
	"openponylogger/errcode"
	"openponylogger/internal/config"
	"openponylogger/internal/display"
	"openponylogger/internal/hal"
	"openponylogger/internal/opl"
	"openponylogger/internal/ring"
	"openponylogger/internal/sample"
	"openponylogger/internal/scheduler"
	"openponylogger/internal/sensors"
	"openponylogger/internal/sensors/gpssrc"
	"openponylogger/internal/session"
	"openponylogger/internal/telemetry"
	"openponylogger/internal/uartproto"
	"openponylogger/x/strx"
)

// gracefulShutdownBudget bounds how long shutdown waits for in-flight
// work before the writer is force-faulted and the file closed best-effort.
const gracefulShutdownBudget = 2 * time.Second

// buildVersion and buildGitSHA are overridden via -ldflags "-X" at
// release build time; unset in a dev build.
var (
	buildVersion = ""
	buildGitSHA  = ""
)

// ringCapacity is a power of two comfortably ahead of the 10ms accel
// rate's worst-case backlog during a storage-task stall.
const ringCapacity = 1024

func main() {
	hwPath := flag.String("hwconfig", "hwconfig.txt", "path to HwConfig KEY=VALUE file")
	appPath := flag.String("appconfig", "appconfig.txt", "path to AppConfig KEY=VALUE file")
	baseDir := flag.String("basedir", ".", "session file output directory")
	uartPort := flag.String("uartport", "/dev/ttyAMA1", "UART device for the co-processor link")
	webRoot := flag.String("webroot", "", "directory of static pages served over ESP:get (optional)")
	flag.Parse()

	if err := run(*hwPath, *appPath, *baseDir, *uartPort, *webRoot); err != nil {
		log.Fatalf("logger: %v", err)
	}
}

func run(hwPath, appPath, baseDir, uartPort, webRoot string) error {
	hwCfg, err := config.LoadHwConfig(hwPath)
	if err != nil {
		return fmt.Errorf("load hwconfig: %w", err)
	}
	appCfg, err := config.LoadAppConfig(appPath)
	if err != nil {
		return fmt.Errorf("load appconfig: %w", err)
	}

	// statusBus is the in-process pub/sub substrate status events ride
	// on: retained hal/state, session/state and storage/fault topics
	// double as the logger's structured event log (see AMBIENT STACK).
	statusBus := bus.NewBus(8)
	statusConn := statusBus.NewConnection("logger")

	h := hal.New()
	// Any pre-existing display bus state must be released before the
	// first display or I2C init touches the shared bus.
	h.ReleaseDisplay()
	logI2CProbe(h, hwCfg)
	registry := sensors.New(h, sensorsConfigFrom(hwCfg))

	if blk := hwCfg.Peripherals["gps"]; blk.Enabled {
		if src, err := openGps(blk); err != nil {
			log.Printf("logger: gps init failed, continuing without fix: %v", err)
		} else {
			registry.SetGPS(src)
			defer src.Close()
		}
	}
	statusConn.Publish(statusConn.NewMessage(bus.T("hal", "state"), registry.Items, true))

	sessMgr, err := newSessionManager(baseDir, appCfg, registry.Items, statusConn)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	if err := sessMgr.start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	ringBuf := ring.New[sample.Sample](ringCapacity)
	cell := telemetry.NewCell()

	var led *statusLED
	if blk := hwCfg.Peripherals["indicators"]; blk.Enabled {
		pinName := blk.Params["pin"]
		if pinName == "" {
			pinName = "LED"
		}
		if handle, err := h.ClaimPin(pinName, "indicators"); err != nil {
			log.Printf("logger: status led init failed: %v", err)
		} else {
			led = &statusLED{pin: handle.Pin}
		}
	}

	var panel *display.Panel
	if blk := hwCfg.Peripherals["oled"]; blk.Enabled {
		if i2cBus, err := h.InitI2C(blk.Conn); err == nil {
			if p, err := display.New(i2cBus.Bus, blk.Address); err == nil {
				panel = p
			} else {
				log.Printf("logger: oled init failed: %v", err)
			}
		}
	}

	ut := uartproto.New(
		uartproto.NewSerialTransport(uartproto.Config{PortName: uartPort, BaudRate: 115200}),
		uartproto.BootInfo{Mode: appCfg.WiFiMode, SSID: appCfg.WiFiSSID, Password: appCfg.WiFiPass,
			Address: appCfg.WiFiAddress, Netmask: appCfg.WiFiNetmask, Gateway: appCfg.WiFiGateway,
			PicoVersion: strx.Coalesce(buildVersion, "dev"), PicoGit: strx.Coalesce(buildGitSHA, "unknown")},
		newFileServer(webRoot, baseDir),
		sessMgr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); ut.Run(ctx) }()

	wg.Add(1)
	go func() { defer wg.Done(); storageTask(ctx, ringBuf, sessMgr) }()

	sched := buildScheduler(registry, ringBuf, cell, ut, sessMgr, panel, led, appCfg)
	sched.Run(ctx)

	return shutdown(&wg, sessMgr, h, gracefulShutdownBudget)
}

// shutdown is the single unwinding path every exit takes: wait (bounded
// by budget) for the producer/consumer goroutines to drain, close the
// session (flush + end block), then release every HAL handle — no file
// handle, bus handle, or sensor registration outlives this call.
func shutdown(wg *sync.WaitGroup, sessMgr *sessionManager, h *hal.HAL, budget time.Duration) error {
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(budget):
		log.Printf("logger: graceful shutdown exceeded %s, closing best-effort", budget)
	}
	sessErr := sessMgr.stop()
	if err := h.Close(); err != nil {
		log.Printf("logger: hal close: %v", err)
	}
	return sessErr
}

// logI2CProbe enumerates responding addresses on every I2C bus an
// enabled peripheral references, so the boot console shows what the
// autodetect pass is about to work with.
func logI2CProbe(h *hal.HAL, hw *config.HwConfig) {
	probed := map[string]bool{}
	for name, blk := range hw.Peripherals {
		if !blk.Enabled || blk.Conn == "" || blk.Address == 0 || probed[blk.Conn] {
			continue
		}
		probed[blk.Conn] = true
		bus, err := h.InitI2C(blk.Conn)
		if err != nil {
			log.Printf("logger: i2c %s (for %s) unavailable: %v", blk.Conn, name, err)
			continue
		}
		log.Printf("logger: i2c %s responding addresses: %#02x", blk.Conn, hal.ProbeI2C(bus.Bus))
	}
}

// sensorsConfigFrom translates the declarative HwConfig peripheral
// blocks into internal/sensors.Config.
func sensorsConfigFrom(hw *config.HwConfig) sensors.Config {
	return sensors.Config{
		Accelerometer: paramsFrom(hw, "accelerometer"),
		IMU:           paramsFrom(hw, "imu"),
		GPS:           paramsFrom(hw, "gps"),
		RTC:           paramsFrom(hw, "rtc"),
	}
}

func paramsFrom(hw *config.HwConfig, name string) sensors.Params {
	blk := hw.Peripherals[name]
	p := sensors.Params{
		Enabled: blk.Enabled,
		Type:    blk.Type,
		Bus:     blk.Conn,
		Addr:    blk.Address,
	}
	if v, ok := blk.Params["uart"]; ok {
		p.UART = v
	}
	if v, ok := blk.Params["baud"]; ok {
		p.Baud, _ = strconv.Atoi(v)
	}
	if v, ok := blk.Params["range"]; ok {
		p.RangeG, _ = strconv.Atoi(v)
	}
	if v, ok := blk.Params["sample_rate"]; ok {
		p.RateHz, _ = strconv.Atoi(v)
	}
	return p
}

func openGps(blk config.PeripheralBlock) (*gpssrc.Source, error) {
	if uartDev, ok := blk.Params["uart"]; ok && uartDev != "" {
		baud := 9600
		if b, ok := blk.Params["baud"]; ok {
			if v, err := strconv.Atoi(b); err == nil {
				baud = v
			}
		}
		return gpssrc.NewUART(uartDev, baud)
	}
	return nil, fmt.Errorf("gps peripheral has no uart= parameter; i2c streamed-NMEA variant requires a caller-supplied reader")
}

// storageTask is the consumer side of the SPSC ring: drains samples and
// appends them to the OPL writer. Runs on its own goroutine so it never
// shares a blocking point with the scheduler's acquisition tasks.
func storageTask(ctx context.Context, r *ring.Ring[sample.Sample], sessMgr *sessionManager) {
	for {
		for {
			s, ok := r.Pop()
			if !ok {
				break
			}
			if err := sessMgr.pushSample(s); err != nil {
				log.Printf("logger: storage write failed: %v", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-r.Readable():
		case <-time.After(time.Second):
		}
	}
}

// buildScheduler assembles the period table of acquisition, telemetry,
// display, and housekeeping tasks.
func buildScheduler(reg *sensors.Registry, r *ring.Ring[sample.Sample], cell *telemetry.Cell,
	ut *uartproto.Service, sessMgr *sessionManager, panel *display.Panel, led *statusLED,
	appCfg *config.AppConfig) *scheduler.Scheduler {

	var lastSats time.Time
	satInterval := time.Duration(appCfg.SatelliteDetailsIntervalS * float64(time.Second))
	if satInterval <= 0 {
		satInterval = 5 * time.Second
	}

	accelTask := &scheduler.Task{Name: "accel_sample", Period: 10 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		v, err := reg.Accel.ReadG()
		if err != nil {
			return
		}
		s := sample.Sample{Kind: sample.KindAccel, TSUs: uint64(now.UnixMicro()), Vec: v}
		r.PushLossy(s)
		cell.Store(cell.Load().FromAccel(v, now))
	}}

	gpsTask := &scheduler.Task{Name: "gps_update", Period: 100 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		fix, ok, err := reg.GPS.Poll(now)
		if err != nil || !ok {
			return
		}
		s := sample.Sample{Kind: sample.KindGpsFix, TSUs: uint64(now.UnixMicro()), Fix: fix}
		if !pushRetry(ctx, r, s) {
			log.Printf("logger: dropped GPS fix sample after retry budget exhausted")
		}
		satCount := len(reg.GPS.Satellites())
		cell.Store(cell.Load().FromGpsFix(fix, satCount, now))

		if now.Sub(lastSats) >= satInterval {
			lastSats = now
			sats := reg.GPS.Satellites()
			cell.Store(cell.Load().FromSatellites(sats))
			snap := sample.Sample{Kind: sample.KindGpsSatSnapshot, TSUs: uint64(now.UnixMicro()),
				SatSnap: sample.GpsSatSnapshot{Sats: sats}}
			r.PushLossy(snap)
		}
	}}

	gyroTask := &scheduler.Task{Name: "gyro_sample", Period: 20 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		v, err := reg.Gyro.ReadDps()
		if err != nil {
			return
		}
		cell.Store(cell.Load().FromGyro(v, now))
	}}

	telemetryTask := &scheduler.Task{Name: "telemetry_line", Period: telemetryPeriod(appCfg), Run: func(ctx context.Context, now time.Time) {
		line, err := cell.Load().MarshalLine()
		if err != nil {
			return
		}
		ut.SendTelemetry(line)
	}}

	displayTask := &scheduler.Task{Name: "display_refresh", Period: 200 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		if panel == nil {
			return
		}
		if err := panel.Render(cell.Load()); err != nil {
			log.Printf("logger: display render failed: %v", err)
		}
	}}

	var lastDrops uint64
	heartbeatTask := &scheduler.Task{Name: "status_led_heartbeat", Period: 1000 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		if d := r.Drops(); d != lastDrops {
			log.Printf("logger: ring drops=%d (+%d)", d, d-lastDrops)
			lastDrops = d
		}
		if led == nil {
			return
		}
		if sessMgr.faulted() {
			led.solid()
			return
		}
		led.blink(cell.Load().HaveFix)
	}}

	rtcTask := &scheduler.Task{Name: "rtc_sync_from_gps", Period: 60 * time.Second, Run: func(ctx context.Context, now time.Time) {
		date, valid := gpsSourceDate(reg)
		if !valid {
			return
		}
		if err := reg.RTC.SetUTC(date); err != nil {
			log.Printf("logger: rtc sync failed: %v", err)
		}
	}}

	watchdogTask := &scheduler.Task{Name: "watchdog_feed", Period: 500 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		// No watchdog peripheral is wired in this configuration profile;
		// the task slot exists so a board with one only needs a Run swap.
	}}

	return scheduler.New(accelTask, gpsTask, gyroTask, telemetryTask, displayTask, heartbeatTask, rtcTask, watchdogTask)
}

func telemetryPeriod(appCfg *config.AppConfig) time.Duration {
	hz := appCfg.TelemetryRateHz
	if hz <= 0 {
		hz = 10
	}
	return time.Duration(float64(time.Second) / hz)
}

// gpsSourceDate narrows reg.GPS (the GpsSource trait) to the concrete
// *gpssrc.Source that exposes Date; any other GpsSource (including the
// null trait) simply never syncs the RTC.
func gpsSourceDate(reg *sensors.Registry) (time.Time, bool) {
	src, ok := reg.GPS.(*gpssrc.Source)
	if !ok {
		return time.Time{}, false
	}
	return src.Date()
}

// pushRetry tries to push a GPS-fix sample, retrying briefly rather
// than dropping it outright, bounded so a persistently full ring cannot
// stall the acquisition task indefinitely.
func pushRetry(ctx context.Context, r *ring.Ring[sample.Sample], s sample.Sample) bool {
	for i := 0; i < 5; i++ {
		if r.Push(s) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Millisecond):
		}
	}
	return false
}

// --- session control -------------------------------------------------

// sessionManager adapts internal/session + internal/opl into the
// uartproto.SessionController contract, and owns the single active
// Writer/FileCursor pair so ESP:session_* commands can restart a
// session without the scheduler or storage task knowing about file
// lifecycle.
type sessionManager struct {
	baseDir string
	appCfg  *config.AppConfig
	hwItems []opl.HardwareItem
	status  *bus.Connection

	mu            sync.Mutex
	num           uint32
	cursor        *session.FileCursor
	writer        *opl.Writer
	csv           *session.CsvLog
	faultReported bool
	faultFlag     atomic.Bool
}

// faulted reports whether the active session has entered a storage
// fault, driving the status LED's red-solid state.
func (m *sessionManager) faulted() bool { return m.faultFlag.Load() }

func newSessionManager(baseDir string, appCfg *config.AppConfig, hwItems []opl.HardwareItem, status *bus.Connection) (*sessionManager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &sessionManager{baseDir: baseDir, appCfg: appCfg, hwItems: hwItems, status: status}, nil
}

func (m *sessionManager) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *sessionManager) startLocked() error {
	num, err := session.NextSessionNumber(m.baseDir)
	if err != nil {
		return err
	}

	if m.appCfg.LogFormat == "csv" {
		csv, err := session.OpenCsv(m.baseDir, num, session.CsvMeta{
			Driver: m.appCfg.Driver, VIN: m.appCfg.Vehicle, Start: time.Now(),
		})
		if err != nil {
			return err
		}
		m.num, m.csv = num, csv
		m.faultReported = false
		m.faultFlag.Store(false)
		if m.status != nil {
			m.status.Publish(m.status.NewMessage(bus.T("session", "state"),
				fmt.Sprintf("session_%05d recording", num), true))
		}
		return nil
	}

	cursor, err := session.Open(m.baseDir, num)
	if err != nil {
		return err
	}
	sessionID, err := session.NewSessionID()
	if err != nil {
		cursor.Close()
		return err
	}

	writer := opl.NewWriter(cursor, opl.Config{
		FmtMajor: 1, FmtMinor: 0,
		HwMajor: 1, HwMinor: 0,
		Meta: opl.SessionMetadata{
			Name: fmt.Sprintf("session_%05d", num), Driver: m.appCfg.Driver,
			Vehicle: m.appCfg.Vehicle, AmbientTempDC: m.appCfg.AmbientTempC10,
			Weather: opl.ParseWeather(m.appCfg.Weather),
		},
		Hardware: m.hwItems,
		Flush: opl.FlushPolicy{
			EventThresholdG: m.appCfg.GForceEventThreshold,
			EventRateLimit:  time.Duration(m.appCfg.EventRateLimitS * float64(time.Second)),
			TimeLimit:       300 * time.Second,
			MaxPayload:      opl.MaxPayload,
		},
	})
	if err := writer.StartSession(sessionID, uint64(time.Now().UnixMicro()), time.Now()); err != nil {
		cursor.Close()
		return err
	}

	m.num, m.cursor, m.writer = num, cursor, writer
	m.faultReported = false
	m.faultFlag.Store(false)
	if m.status != nil {
		m.status.Publish(m.status.NewMessage(bus.T("session", "state"),
			fmt.Sprintf("session_%05d recording", num), true))
	}
	return nil
}

func (m *sessionManager) stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *sessionManager) stopLocked() error {
	if m.csv != nil {
		err := m.csv.Close()
		m.csv = nil
		if m.status != nil {
			m.status.Publish(m.status.NewMessage(bus.T("session", "state"),
				fmt.Sprintf("session_%05d stopped", m.num), true))
		}
		return err
	}
	if m.writer == nil {
		return nil
	}
	err := m.writer.StopSession(time.Now())
	m.cursor.Close()
	m.writer, m.cursor = nil, nil
	if m.status != nil {
		m.status.Publish(m.status.NewMessage(bus.T("session", "state"),
			fmt.Sprintf("session_%05d stopped", m.num), true))
	}
	return err
}

// pushSample appends s to the current session's block. Once the writer
// has faulted (storage write failure or full filesystem), the fault is
// reported once via the status bus and every subsequent sample is
// discarded silently rather than re-logging the same failure per
// sample.
func (m *sessionManager) pushSample(s sample.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.csv != nil {
		if m.faultFlag.Load() {
			return nil
		}
		err := m.csv.Append(s)
		if err != nil {
			m.reportFaultLocked(err)
		}
		return err
	}
	if m.writer == nil {
		return nil
	}
	if m.writer.State() == opl.StateFaulted {
		return nil
	}
	err := m.writer.PushSample(s, time.Now())
	if err != nil && m.writer.State() == opl.StateFaulted {
		m.reportFaultLocked(err)
	}
	return err
}

// reportFaultLocked publishes the storage fault once and latches the
// LED's red-solid flag. Caller must hold m.mu.
func (m *sessionManager) reportFaultLocked(err error) {
	m.faultFlag.Store(true)
	if m.faultReported {
		return
	}
	m.faultReported = true
	code := errcode.StorageIo
	if errors.Is(err, syscall.ENOSPC) {
		code = errcode.StorageFull
	}
	if m.status != nil {
		m.status.Publish(m.status.NewMessage(bus.T("storage", "fault"),
			&errcode.E{C: code, Op: "push_sample", Err: err}, true))
	}
}

func (m *sessionManager) SessionStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil || m.csv != nil {
		return fmt.Errorf("session already active")
	}
	return m.startLocked()
}

func (m *sessionManager) SessionStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *sessionManager) SessionRestart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.stopLocked(); err != nil {
		return err
	}
	return m.startLocked()
}

func (m *sessionManager) SessionInfo() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.csv != nil {
		return fmt.Sprintf("session_%05d format=csv", m.num)
	}
	if m.writer == nil {
		return "no active session"
	}
	return fmt.Sprintf("session_%05d state=%s offset=%d", m.num, m.writer.State(), m.cursor.Offset())
}

func (m *sessionManager) SessionUpdate(fields map[string]string) error {
	if v, ok := fields["driver"]; ok {
		m.appCfg.Driver = v
	}
	if v, ok := fields["vehicle"]; ok {
		m.appCfg.Vehicle = v
	}
	return nil
}

// --- status LED --------------------------------------------------------

// statusLED drives the heartbeat indicator: long blink when the GPS has
// a fix, short blink when it doesn't, solid on storage fault. The blink
// is timed off the heartbeat task's own 1 s period: the pin goes high
// here and an AfterFunc drops it partway through the period, so the
// cooperative scheduler never sleeps inside a task body.
type statusLED struct {
	pin gpio.PinIO
	off *time.Timer
}

func (l *statusLED) solid() {
	if l.off != nil {
		l.off.Stop()
		l.off = nil
	}
	l.pin.Out(gpio.High)
}

func (l *statusLED) blink(longPulse bool) {
	dur := 100 * time.Millisecond
	if longPulse {
		dur = 600 * time.Millisecond
	}
	l.pin.Out(gpio.High)
	if l.off != nil {
		l.off.Stop()
	}
	l.off = time.AfterFunc(dur, func() { l.pin.Out(gpio.Low) })
}

// --- file serving ------------------------------------------------------

// dirFileServer answers ESP:get/ESP:list/ESP:download from a static
// webroot directory plus the session files under baseDir.
type dirFileServer struct {
	webRoot string
	baseDir string
}

func newFileServer(webRoot, baseDir string) uartproto.FileServer {
	return dirFileServer{webRoot: webRoot, baseDir: baseDir}
}

func (d dirFileServer) Open(name string) ([]byte, bool) {
	if d.webRoot != "" {
		if data, err := os.ReadFile(filepath.Join(d.webRoot, filepath.Clean("/"+name))); err == nil {
			return data, true
		}
	}
	if data, err := os.ReadFile(filepath.Join(d.baseDir, filepath.Base(name))); err == nil {
		return data, true
	}
	return nil, false
}

func (d dirFileServer) List() []uartproto.FileEntry {
	var entries []uartproto.FileEntry
	if d.webRoot != "" {
		filepath.Walk(d.webRoot, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if fi.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(d.webRoot, path)
			entries = append(entries, uartproto.FileEntry{Name: "/" + rel, Size: fi.Size()})
			return nil
		})
	}
	dirEntries, _ := os.ReadDir(d.baseDir)
	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		var num uint32
		fmt.Sscanf(e.Name(), "session_%05d.", &num)
		entries = append(entries, uartproto.FileEntry{Name: e.Name(), Size: info.Size(), SessionNo: num})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

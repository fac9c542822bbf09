// Package main implements securecored, a daemon wrapper around the
// session-manager core. It exposes a JSON-over-stdio protocol for
// integration with external applications, the same shape as the teacher's
// cmd/daemon retargeted from a single always-on kamune.Transport onto the
// manager.Manager / pipeline.Pipeline / outage.Controller stack.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/eventbus"
	"github.com/ecliptix-labs/securecore/health"
	"github.com/ecliptix-labs/securecore/manager"
	"github.com/ecliptix-labs/securecore/outage"
	"github.com/ecliptix-labs/securecore/pending"
	"github.com/ecliptix-labs/securecore/pipeline"
	"github.com/ecliptix-labs/securecore/pkg/attest"
	"github.com/ecliptix-labs/securecore/pkg/fingerprint"
	"github.com/ecliptix-labs/securecore/retrystrategy"
	"github.com/ecliptix-labs/securecore/rpc"
	"github.com/ecliptix-labs/securecore/storage"
)

// Command types
const (
	CmdConfigure       = "configure"
	CmdConnect         = "connect"
	CmdRestore         = "restore"
	CmdExecute         = "execute"
	CmdExecuteStream   = "execute_stream"
	CmdForceFresh      = "force_fresh"
	CmdCloseChannel    = "close_channel"
	CmdShowFingerprint = "show_fingerprint"
	CmdReportHealth    = "report_health"
	CmdShutdown        = "shutdown"
)

// Event types
const (
	EvtReady         = "ready"
	EvtConfigured    = "configured"
	EvtConnected     = "connected"
	EvtRestored      = "restored"
	EvtExecuteResult = "execute_result"
	EvtStreamItem    = "stream_item"
	EvtStreamClosed  = "stream_closed"
	EvtChannelClosed = "channel_closed"
	EvtFingerprint   = "fingerprint"
	EvtNetworkEvent  = "network_event"
	EvtSystemState   = "system_state"
	EvtError         = "error"
	EvtResponse      = "response"
)

// Command represents an incoming command from stdin.
type Command struct {
	Type   string          `json:"type"` // Always "cmd"
	Cmd    string          `json:"cmd"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Event represents an outgoing event to stdout.
type Event struct {
	Type string `json:"type"` // Always "evt"
	Evt  string `json:"evt"`
	ID   string `json:"id,omitempty"` // Correlation ID for responses
	Data any    `json:"data"`
}

type ConfigureParams struct {
	StoragePath    string `json:"storage_path"`
	DBNoPassphrase bool   `json:"db_no_passphrase"`
	Identity       string `json:"identity"`      // "ed25519" or "mldsa"
	IdentityPath   string `json:"identity_path"` // load an existing identity instead of minting one
}

type ConnectParams struct {
	Addr          string `json:"addr"`
	AppInstanceId string `json:"app_instance_id"` // base64, 16 bytes
	DeviceId      string `json:"device_id"`       // base64, 16 bytes
	ExchangeType  string `json:"exchange_type"`   // "data-center" or "app-device"
	UseKCP        bool   `json:"use_kcp"`
}

type RestoreParams struct {
	ConnectId string `json:"connect_id"` // hex, as rendered by ConnectId.String
}

type ExecuteParams struct {
	ConnectId       string `json:"connect_id"`
	Service         string `json:"service"`
	PlaintextBase64 string `json:"plaintext_base64"`
	AllowDuplicates bool   `json:"allow_duplicates"`
	WaitForRecovery bool   `json:"wait_for_recovery"`
}

type ExecuteStreamParams struct {
	ConnectId       string `json:"connect_id"`
	Service         string `json:"service"`
	PlaintextBase64 string `json:"plaintext_base64"`
	AllowDuplicates bool   `json:"allow_duplicates"`
}

type ForceFreshParams struct {
	ConnectId string `json:"connect_id"`
}

type CloseChannelParams struct {
	ConnectId       string `json:"connect_id"`
	DeletePersisted bool   `json:"delete_persisted"`
}

type ShowFingerprintParams struct {
	WithQrCode bool `json:"with_qr_code"`
}

// ReportHealthParams lets an external ConnectionHealthObserver (e.g. an OS
// network-reachability callback) push a health transition for a channel.
// Status is one of "healthy", "unhealthy", "failed", "recovering".
type ReportHealthParams struct {
	ConnectId string `json:"connect_id"`
	Status    string `json:"status"`
}

// Daemon drives one session-manager core instance over a single transport,
// the way one application process talks to one data center (or one linked
// peer) over one multiplexed connection while juggling many ConnectId
// channels across it.
type Daemon struct {
	mu           sync.Mutex
	identity     attest.Attest
	store        *storage.BoltSecureStorage
	bus          *eventbus.Bus
	retry        *retrystrategy.Strategy
	pendingStore *pending.Store
	outageCtl    *outage.Controller
	transport    *rpc.Transport
	manager      *manager.Manager
	pipeline     *pipeline.Pipeline
	healthPub    *health.Publisher
	apps         map[securecore.ConnectId]securecore.AppInstanceId

	output   *json.Encoder
	outputMu sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewDaemon() *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		apps:   make(map[securecore.ConnectId]securecore.AppInstanceId),
		output: json.NewEncoder(os.Stdout),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *Daemon) emit(evt string, correlationID string, data any) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()

	event := Event{Type: "evt", Evt: evt, ID: correlationID, Data: data}
	if err := d.output.Encode(event); err != nil {
		slog.Error("failed to emit event", slog.Any("error", err))
	}
}

func (d *Daemon) emitError(correlationID string, errMsg string) {
	d.emit(EvtError, correlationID, map[string]string{"error": errMsg})
}

func (d *Daemon) Run() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
			d.Shutdown()
		case <-d.ctx.Done():
		}
	}()

	d.emit(EvtReady, "", map[string]string{
		"version": "1.0.0",
		"pid":     fmt.Sprintf("%d", os.Getpid()),
	})

	scanner := bufio.NewScanner(os.Stdin)
	const maxScanTokenSize = 1024 * 1024
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			d.emitError("", fmt.Sprintf("invalid JSON: %v", err))
			continue
		}
		if cmd.Type != "cmd" {
			d.emitError(cmd.ID, fmt.Sprintf("unknown message type: %s", cmd.Type))
			continue
		}

		d.handleCommand(cmd)
	}

	if err := scanner.Err(); err != nil {
		slog.Error("stdin scanner error", slog.Any("error", err))
	}
}

func (d *Daemon) handleCommand(cmd Command) {
	switch cmd.Cmd {
	case CmdConfigure:
		d.handleConfigure(cmd)
	case CmdConnect:
		d.handleConnect(cmd)
	case CmdRestore:
		d.handleRestore(cmd)
	case CmdExecute:
		d.handleExecute(cmd)
	case CmdExecuteStream:
		d.handleExecuteStream(cmd)
	case CmdForceFresh:
		d.handleForceFresh(cmd)
	case CmdCloseChannel:
		d.handleCloseChannel(cmd)
	case CmdShowFingerprint:
		d.handleShowFingerprint(cmd)
	case CmdReportHealth:
		d.handleReportHealth(cmd)
	case CmdShutdown:
		d.Shutdown()
	default:
		d.emitError(cmd.ID, fmt.Sprintf("unknown command: %s", cmd.Cmd))
	}
}

// handleConfigure opens storage and mints (or loads) the local identity.
// The manager/outage-controller/pipeline trio is wired lazily in
// handleConnect, since manager.New binds permanently to the dialed
// transport and no transport exists until the first connect.
func (d *Daemon) handleConfigure(cmd Command) {
	var params ConfigureParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store != nil {
		d.emitError(cmd.ID, "already configured")
		return
	}

	var storageOpts []storage.Option
	if params.StoragePath != "" {
		storageOpts = append(storageOpts, storage.WithDBPath(params.StoragePath))
	}
	if params.DBNoPassphrase {
		storageOpts = append(storageOpts, storage.WithNoPassphrase())
	}
	store, err := storage.Open(storageOpts...)
	if err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("failed to open storage: %v", err))
		return
	}

	identity, err := d.resolveIdentity(params)
	if err != nil {
		store.Close()
		d.emitError(cmd.ID, fmt.Sprintf("failed to resolve identity: %v", err))
		return
	}

	d.identity = identity
	d.store = store
	d.bus = eventbus.New()
	d.retry = retrystrategy.New()
	d.pendingStore = pending.New()

	d.bus.OnNetworkEvent(func(e eventbus.NetworkEvent) {
		d.emit(EvtNetworkEvent, "", map[string]string{"event": e.String()})
	})
	d.bus.OnSystemState(func(s eventbus.SystemState) {
		d.emit(EvtSystemState, "", map[string]string{"state": s.String()})
	})

	d.emit(EvtConfigured, cmd.ID, map[string]string{
		"public_key": base64.StdEncoding.EncodeToString(identity.PublicKey().Marshal()),
	})
}

// wireChannelStack constructs the manager/outage-controller/pipeline trio
// bound to transport. Called once, from handleConnect, the first time a
// transport is dialed.
func (d *Daemon) wireChannelStack(transport *rpc.Transport) error {
	// outageCtl is forward-declared: the manager's degraded-health hook
	// needs to call into it, but outage.New itself needs the manager's
	// methods as Hooks. The closure below captures the variable, not its
	// zero value, so this resolves once outageCtl is assigned below.
	var outageCtl *outage.Controller

	mgr, err := manager.New(d.store, transport, d.retry, manager.WithHealthDegradedHook(
		func(id securecore.ConnectId, status securecore.HealthStatus) {
			if outageCtl != nil {
				outageCtl.SpawnTargetedRecovery(securecore.CryptoDesync("health observer degraded", nil), id)
			}
		},
	))
	if err != nil {
		return fmt.Errorf("constructing manager: %w", err)
	}

	outageCtl, err = outage.New(d.bus, d.retry, outage.Hooks{
		Restore: func(ctx context.Context, id securecore.ConnectId) error {
			_, err := mgr.TryRestore(ctx, id)
			return err
		},
		Initiate: func(_ context.Context, id securecore.ConnectId) error {
			mgr.Initiate(d.appFor(id), id)
			return nil
		},
		Establish: func(ctx context.Context, id securecore.ConnectId) error {
			_, err := mgr.Establish(ctx, id)
			return err
		},
		DisposeChannel:  mgr.DisposeChannel,
		DeletePersisted: mgr.DeletePersisted,
		PersistChannel:  mgr.PersistChannel,
		DrainPending:    func() { d.pendingStore.RetryAll() },
	})
	if err != nil {
		return fmt.Errorf("constructing outage controller: %w", err)
	}

	observer, healthPub := health.NewChannelObserver(32)
	go func() {
		for u := range observer.Subscribe(d.ctx) {
			mgr.ObserveHealth(u.ConnectId, u.Status)
		}
	}()

	d.transport = transport
	d.manager = mgr
	d.outageCtl = outageCtl
	d.healthPub = healthPub
	d.pipeline = pipeline.New(mgr, outageCtl, d.retry, transport, d.pendingStore, d.bus)
	return nil
}

func (d *Daemon) resolveIdentity(params ConfigureParams) (attest.Attest, error) {
	if params.IdentityPath != "" {
		id, err := attest.ParseIdentity(params.Identity)
		if err != nil {
			id = attest.Ed25519
		}
		return id.Load(params.IdentityPath)
	}
	id, err := attest.ParseIdentity(params.Identity)
	if err != nil {
		id = attest.Ed25519
	}
	return id.NewAttest()
}

func (d *Daemon) appFor(id securecore.ConnectId) securecore.AppInstanceId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apps[id]
}

// handleConnect dials the transport on first use (subsequent calls with a
// new exchange triple reuse it) and initiates + establishes one channel.
func (d *Daemon) handleConnect(cmd Command) {
	var params ConnectParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}

	d.mu.Lock()
	if d.store == nil {
		d.mu.Unlock()
		d.emitError(cmd.ID, "not configured")
		return
	}

	appId, err := decodeFixed16(params.AppInstanceId)
	if err != nil {
		d.mu.Unlock()
		d.emitError(cmd.ID, fmt.Sprintf("invalid app_instance_id: %v", err))
		return
	}
	deviceId, err := decodeFixed16(params.DeviceId)
	if err != nil {
		d.mu.Unlock()
		d.emitError(cmd.ID, fmt.Sprintf("invalid device_id: %v", err))
		return
	}
	exchange, err := parseExchangeType(params.ExchangeType)
	if err != nil {
		d.mu.Unlock()
		d.emitError(cmd.ID, err.Error())
		return
	}

	if d.transport == nil {
		var dialOpts []rpc.DialOption
		dialOpts = append(dialOpts, rpc.DialWithIdentity(d.identity))
		if params.UseKCP {
			dialOpts = append(dialOpts, rpc.DialWithKCP())
		}
		t, err := rpc.Dial(params.Addr, dialOpts...)
		if err != nil {
			d.mu.Unlock()
			d.emitError(cmd.ID, fmt.Sprintf("failed to dial: %v", err))
			return
		}
		if err := d.wireChannelStack(t); err != nil {
			d.mu.Unlock()
			_ = t.Close()
			d.emitError(cmd.ID, fmt.Sprintf("failed to wire channel stack: %v", err))
			return
		}
	}
	d.mu.Unlock()

	id := securecore.DeriveConnectId(appId, deviceId, exchange)
	d.mu.Lock()
	d.apps[id] = appId
	d.mu.Unlock()

	d.manager.Initiate(appId, id)
	if _, err := d.manager.Establish(d.ctx, id); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("failed to establish channel: %v", err))
		return
	}

	d.emit(EvtConnected, cmd.ID, map[string]string{
		"connect_id": id.String(),
		"addr":       params.Addr,
	})
}

func (d *Daemon) handleRestore(cmd Command) {
	var params RestoreParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	id, err := parseConnectId(params.ConnectId)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}
	if !d.ready() {
		d.emitError(cmd.ID, "not connected")
		return
	}

	resumed, err := d.manager.TryRestore(d.ctx, id)
	if err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("restore failed: %v", err))
		return
	}
	d.emit(EvtRestored, cmd.ID, map[string]any{
		"connect_id": id.String(),
		"resumed":    resumed,
	})
}

func (d *Daemon) handleExecute(cmd Command) {
	var params ExecuteParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	id, err := parseConnectId(params.ConnectId)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}
	if !d.ready() {
		d.emitError(cmd.ID, "not connected")
		return
	}

	plaintext, err := base64.StdEncoding.DecodeString(params.PlaintextBase64)
	if err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid base64 plaintext: %v", err))
		return
	}

	err = d.pipeline.ExecuteUnary(d.ctx, id, securecore.ServiceType(params.Service), plaintext,
		func(resp []byte) {
			d.emit(EvtExecuteResult, cmd.ID, map[string]any{
				"connect_id":      id.String(),
				"response_base64": base64.StdEncoding.EncodeToString(resp),
			})
		},
		params.AllowDuplicates, params.WaitForRecovery,
	)
	if err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("execute failed: %v", err))
	}
}

func (d *Daemon) handleExecuteStream(cmd Command) {
	var params ExecuteStreamParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	id, err := parseConnectId(params.ConnectId)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}
	if !d.ready() {
		d.emitError(cmd.ID, "not connected")
		return
	}

	plaintext, err := base64.StdEncoding.DecodeString(params.PlaintextBase64)
	if err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid base64 plaintext: %v", err))
		return
	}

	go func() {
		err := d.pipeline.ExecuteReceiveStream(d.ctx, id, securecore.ServiceType(params.Service), plaintext,
			func(item []byte) {
				d.emit(EvtStreamItem, cmd.ID, map[string]any{
					"connect_id":  id.String(),
					"item_base64": base64.StdEncoding.EncodeToString(item),
				})
			},
			params.AllowDuplicates,
		)
		data := map[string]any{"connect_id": id.String()}
		if err != nil && !errors.Is(err, context.Canceled) {
			data["error"] = err.Error()
		}
		d.emit(EvtStreamClosed, cmd.ID, data)
	}()
}

func (d *Daemon) handleForceFresh(cmd Command) {
	var params ForceFreshParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	id, err := parseConnectId(params.ConnectId)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}
	if !d.ready() {
		d.emitError(cmd.ID, "not connected")
		return
	}

	if err := d.outageCtl.ForceFresh(d.ctx, id); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("force_fresh failed: %v", err))
		return
	}
	d.emit(EvtResponse, cmd.ID, map[string]string{
		"status":     "fresh",
		"connect_id": id.String(),
	})
}

func (d *Daemon) handleCloseChannel(cmd Command) {
	var params CloseChannelParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	id, err := parseConnectId(params.ConnectId)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}
	if !d.ready() {
		d.emitError(cmd.ID, "not connected")
		return
	}

	d.manager.DisposeChannel(id)
	if params.DeletePersisted {
		if err := d.manager.DeletePersisted(id); err != nil {
			slog.Warn("close_channel: delete persisted state failed", slog.Any("err", err))
		}
	}
	d.mu.Lock()
	delete(d.apps, id)
	d.mu.Unlock()

	d.emit(EvtChannelClosed, cmd.ID, map[string]string{"connect_id": id.String()})
}

func (d *Daemon) handleShowFingerprint(cmd Command) {
	d.mu.Lock()
	identity := d.identity
	transport := d.transport
	d.mu.Unlock()

	if identity == nil {
		d.emitError(cmd.ID, "not configured")
		return
	}

	var params ShowFingerprintParams
	_ = json.Unmarshal(cmd.Params, &params)

	localKey := identity.PublicKey().Marshal()
	data := map[string]any{
		"local_emoji":  fingerprint.Emoji(localKey),
		"local_base64": fingerprint.Base64(localKey),
	}
	if transport != nil {
		remoteKey := transport.Remote().Marshal()
		data["remote_emoji"] = fingerprint.Emoji(remoteKey)
		data["remote_base64"] = fingerprint.Base64(remoteKey)
	}
	if params.WithQrCode {
		qr, err := fingerprint.QrCode(localKey)
		if err == nil {
			data["local_qr"] = string(qr)
		}
	}

	d.emit(EvtFingerprint, cmd.ID, data)
}

// handleReportHealth bridges an externally observed health transition into
// the ConnectionHealthObserver pipeline health.NewChannelObserver feeds to
// manager.Manager.ObserveHealth, matching §6's "Healthy/Unhealthy/Failed/
// Recovering" external source-of-truth contract.
func (d *Daemon) handleReportHealth(cmd Command) {
	var params ReportHealthParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		d.emitError(cmd.ID, fmt.Sprintf("invalid params: %v", err))
		return
	}
	id, err := parseConnectId(params.ConnectId)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}
	status, err := parseHealthStatus(params.Status)
	if err != nil {
		d.emitError(cmd.ID, err.Error())
		return
	}
	if !d.ready() {
		d.emitError(cmd.ID, "not connected")
		return
	}

	d.healthPub.Publish(health.Update{ConnectId: id, Status: status, At: time.Now()})
	d.emit(EvtResponse, cmd.ID, map[string]string{"status": "reported", "connect_id": id.String()})
}

func (d *Daemon) ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manager != nil && d.pipeline != nil
}

func (d *Daemon) Shutdown() {
	d.cancel()

	d.mu.Lock()
	if d.transport != nil {
		_ = d.transport.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	d.mu.Unlock()

	d.emit(EvtResponse, "", map[string]string{"status": "shutdown"})
	os.Exit(0)
}

func decodeFixed16(b64 string) ([16]byte, error) {
	var out [16]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != 16 {
		return out, fmt.Errorf("expected 16 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseExchangeType(s string) (securecore.ExchangeType, error) {
	switch s {
	case "data-center":
		return securecore.ExchangeDataCenter, nil
	case "app-device":
		return securecore.ExchangeAppDevice, nil
	default:
		return securecore.ExchangeInvalid, fmt.Errorf("unknown exchange_type: %s", s)
	}
}

func parseHealthStatus(s string) (securecore.HealthStatus, error) {
	switch s {
	case "healthy":
		return securecore.HealthHealthy, nil
	case "unhealthy":
		return securecore.HealthUnhealthy, nil
	case "failed":
		return securecore.HealthFailed, nil
	case "recovering":
		return securecore.HealthRecovering, nil
	default:
		return 0, fmt.Errorf("unknown health status: %s", s)
	}
}

func parseConnectId(s string) (securecore.ConnectId, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid connect_id: %w", err)
	}
	return securecore.ConnectId(v), nil
}

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	daemon := NewDaemon()
	daemon.Run()
}

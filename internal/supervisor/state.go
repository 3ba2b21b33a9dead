package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/llm-supervisor/internal/store"
)

// Mode selects which provider drives the main agent.
type Mode string

const (
	ModeCloud Mode = "cloud"
	ModeLocal Mode = "local"
)

// Valid reports whether m is one of the two modes.
func (m Mode) Valid() bool {
	return m == ModeCloud || m == ModeLocal
}

// ParseMode parses "local" or "cloud".
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

var (
	// ErrInvalidMode is returned for a mode other than local or cloud.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrCorruptState is returned when the stored record is not a JSON object.
	ErrCorruptState = errors.New("corrupt supervisor state")
)

// State is the persisted supervisor record.
type State struct {
	Mode Mode `json:"mode"`
	// Since is the Unix time in milliseconds of the last mode change.
	Since int64 `json:"since"`
	// LastError is the provider error message that caused the switch to local.
	LastError string `json:"lastError,omitempty"`
}

// DefaultState is the state assumed before anything has been written.
func DefaultState() State {
	return State{Mode: ModeCloud}
}

// SinceTime returns Since as a time.Time.
func (s State) SinceTime() time.Time {
	return time.UnixMilli(s.Since)
}

// StatePatch names the fields SetState writes. Nil fields are left as stored;
// an empty LastError removes the field.
type StatePatch struct {
	Mode      *Mode
	Since     *int64
	LastError *string
}

// IsCooldownOver reports whether at least cooldownMinutes have passed between
// state.Since and now.
func IsCooldownOver(state State, cooldownMinutes float64, now time.Time) bool {
	elapsed := now.UnixMilli() - state.Since
	return float64(elapsed) >= cooldownMinutes*60_000
}

// StateAccessor reads and writes the supervisor record in a key/value store.
// All access is serialized; use Tx to keep a read and the write that depends on
// it under one lock.
type StateAccessor struct {
	store store.Store
	key   string
	mu    sync.Mutex
}

// NewStateAccessor returns an accessor for the record stored under key.
func NewStateAccessor(st store.Store, key string) *StateAccessor {
	return &StateAccessor{store: st, key: key}
}

// Key returns the record key.
func (a *StateAccessor) Key() string {
	return a.key
}

// GetState returns the stored state, or DefaultState when nothing is stored.
func (a *StateAccessor) GetState(ctx context.Context) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, _, err := a.read(ctx)
	return st, err
}

// SetState merges patch into the stored record and returns the result. Fields
// the patch does not name, including ones this package does not know, survive.
func (a *StateAccessor) SetState(ctx context.Context, patch StatePatch) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set(ctx, patch)
}

// ReplaceState overwrites the stored record with state.
func (a *StateAccessor) ReplaceState(ctx context.Context, state State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replace(ctx, state)
}

// Tx runs fn with exclusive access to the record.
func (a *StateAccessor) Tx(ctx context.Context, fn func(tx *StateTx) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn(&StateTx{a: a, ctx: ctx})
}

// StateTx is the accessor view handed to Tx callbacks. It must not be used
// after the callback returns.
type StateTx struct {
	a   *StateAccessor
	ctx context.Context
}

// Get returns the stored state.
func (tx *StateTx) Get() (State, error) {
	st, _, err := tx.a.read(tx.ctx)
	return st, err
}

// Set merges patch into the stored record.
func (tx *StateTx) Set(patch StatePatch) (State, error) {
	return tx.a.set(tx.ctx, patch)
}

// Replace overwrites the stored record.
func (tx *StateTx) Replace(state State) error {
	return tx.a.replace(tx.ctx, state)
}

func (a *StateAccessor) read(ctx context.Context) (State, []byte, error) {
	raw, err := a.store.Get(ctx, a.key)
	if errors.Is(err, store.ErrNotFound) {
		return DefaultState(), nil, nil
	}
	if err != nil {
		return State{}, nil, fmt.Errorf("read state %s: %w", a.key, err)
	}
	st, err := decodeState(raw)
	if err != nil {
		return State{}, nil, fmt.Errorf("read state %s: %w", a.key, err)
	}
	return st, raw, nil
}

func (a *StateAccessor) set(ctx context.Context, patch StatePatch) (State, error) {
	if patch.Mode != nil && !patch.Mode.Valid() {
		return State{}, fmt.Errorf("%w: %q", ErrInvalidMode, *patch.Mode)
	}

	_, raw, err := a.read(ctx)
	if err != nil {
		return State{}, err
	}
	if raw == nil {
		raw = []byte("{}")
	}

	if patch.Mode != nil {
		if raw, err = sjson.SetBytes(raw, "mode", string(*patch.Mode)); err != nil {
			return State{}, fmt.Errorf("merge state: %w", err)
		}
	}
	if patch.Since != nil {
		if raw, err = sjson.SetBytes(raw, "since", *patch.Since); err != nil {
			return State{}, fmt.Errorf("merge state: %w", err)
		}
	}
	if patch.LastError != nil {
		if *patch.LastError == "" {
			raw, err = sjson.DeleteBytes(raw, "lastError")
		} else {
			raw, err = sjson.SetBytes(raw, "lastError", *patch.LastError)
		}
		if err != nil {
			return State{}, fmt.Errorf("merge state: %w", err)
		}
	}

	if err := a.store.Set(ctx, a.key, raw); err != nil {
		return State{}, fmt.Errorf("write state %s: %w", a.key, err)
	}
	return decodeState(raw)
}

func (a *StateAccessor) replace(ctx context.Context, state State) error {
	if !state.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, state.Mode)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := a.store.Set(ctx, a.key, raw); err != nil {
		return fmt.Errorf("write state %s: %w", a.key, err)
	}
	return nil
}

// decodeState tolerates records written by other hosts: since may be a float
// and a missing or unknown mode reads as cloud.
func decodeState(raw []byte) (State, error) {
	if !gjson.ValidBytes(raw) {
		return State{}, ErrCorruptState
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return State{}, ErrCorruptState
	}

	st := State{
		Mode:      Mode(doc.Get("mode").String()),
		Since:     doc.Get("since").Int(),
		LastError: doc.Get("lastError").String(),
	}
	if !st.Mode.Valid() {
		st.Mode = ModeCloud
	}
	return st, nil
}

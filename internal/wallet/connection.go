package wallet

import "github.com/NicolaLS/payment-app-sub000/internal/obs"

// BackendKind selects which adapter a connection routes through.
type BackendKind int

const (
	// KindNWC is a Nostr-Wallet-Connect remote wallet.
	KindNWC BackendKind = iota
	// KindBlink is the Blink GraphQL API, authenticated with an API key
	// held in the credential store.
	KindBlink
)

func (k BackendKind) String() string {
	if k == KindBlink {
		return "blink"
	}
	return "nwc"
}

// Connection is one configured wallet. It is created and persisted by the
// settings layer; this core only reads it. The Blink API key is never part
// of the model, it lives in the credential store keyed by ID.
type Connection struct {
	ID    string
	Alias string
	Kind  BackendKind

	// NWC connection details, empty for Blink wallets.
	NWCURI      string
	Relay       string
	AddressHint string
}

// Settings is the wallet-settings collaborator: which connections exist and
// which one is active. Watch replays the latest active connection to every
// subscriber.
type Settings interface {
	Active() (Connection, bool)
	List() []Connection
	Watch() *obs.State[Connection]
}

// StaticSettings is a fixed single-wallet Settings, enough for the CLI and
// for tests.
type StaticSettings struct {
	Conn  Connection
	state *obs.State[Connection]
}

func NewStaticSettings(conn Connection) *StaticSettings {
	return &StaticSettings{Conn: conn, state: obs.NewState(conn)}
}

func (s *StaticSettings) Active() (Connection, bool) { return s.Conn, s.Conn.ID != "" }
func (s *StaticSettings) List() []Connection         { return []Connection{s.Conn} }
func (s *StaticSettings) Watch() *obs.State[Connection] {
	return s.state
}

package ftpcore

import (
	"crypto/tls"
	"io"
	"net"
	"time"

	"gopkg.in/yaml.v3"
)

// EncryptionMode selects the transport-security mode for the control
// connection.
type EncryptionMode int

const (
	// EncryptionNone is a plaintext control connection.
	EncryptionNone EncryptionMode = iota
	// EncryptionExplicit upgrades a cleartext connection with AUTH TLS.
	EncryptionExplicit
	// EncryptionImplicit wraps the socket in TLS before any FTP byte is read.
	EncryptionImplicit
)

// String implements fmt.Stringer for log-friendly output.
func (m EncryptionMode) String() string {
	switch m {
	case EncryptionNone:
		return "none"
	case EncryptionExplicit:
		return "explicit"
	case EncryptionImplicit:
		return "implicit"
	default:
		return "unknown"
	}
}

// DataChannelMode selects how data connections are negotiated.
type DataChannelMode int

const (
	// DataChannelAutoPassive tries EPSV first, falling back to PASV and
	// sticking with whichever worked for the rest of the session.
	DataChannelAutoPassive DataChannelMode = iota
	// DataChannelAutoActive tries EPRT first, falling back to PORT.
	DataChannelAutoActive
	// DataChannelPASV forces PASV, never attempting EPSV.
	DataChannelPASV
	// DataChannelEPSV forces EPSV, never falling back.
	DataChannelEPSV
	// DataChannelPASVEX is PASV with private/unroutable host substitution.
	DataChannelPASVEX
	// DataChannelPORT forces active mode with PORT, never attempting EPRT.
	DataChannelPORT
	// DataChannelEPRT forces active mode with EPRT, never falling back.
	DataChannelEPRT
)

// IPPreference filters candidate addresses when dialing the control
// connection.
type IPPreference int

const (
	// IPAny attempts both address families in the order returned by the resolver.
	IPAny IPPreference = iota
	// IPv4Only restricts dialing to A records.
	IPv4Only
	// IPv6Only restricts dialing to AAAA records.
	IPv6Only
)

// FtpDataType is the transfer representation type negotiated with TYPE.
type FtpDataType int

const (
	// DataTypeASCII corresponds to TYPE A.
	DataTypeASCII FtpDataType = iota
	// DataTypeBinary corresponds to TYPE I.
	DataTypeBinary
)

func (t FtpDataType) code() string {
	if t == DataTypeASCII {
		return "A"
	}
	return "I"
}

// AddressResolver returns the local address a data connection should
// advertise in PORT/EPRT, useful behind NAT where the control connection's
// local endpoint is not externally reachable.
type AddressResolver func() (net.IP, error)

// Credentials holds the username/password pair sent during authentication.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SessionConfig is the complete, mutable configuration for a ControlSession.
// Fields may be changed while connected; a ControlSession works from a
// snapshot taken at Connect, so changes take effect at the next Connect
// (including the automatic reconnect in Execute). SocketKeepAlive is the one
// field that reaches the live socket directly, and only when the caller
// calls ControlSession.ApplyKeepAlive — it is not polled, so a bare
// assignment to the field has no effect until then.
type SessionConfig struct {
	// Host is the FTP server hostname or address literal.
	Host string `yaml:"host"`
	// Port is the control-connection port. Zero means "infer from
	// Encryption": 21 for None/Explicit, 990 for Implicit.
	Port int `yaml:"port"`

	Credentials Credentials `yaml:"credentials"`

	Encryption   EncryptionMode `yaml:"encryption"`
	TLSProtocols []uint16       `yaml:"-"`
	TLSConfig    *tls.Config    `yaml:"-"`

	DataChannel        DataChannelMode `yaml:"data_channel"`
	EncryptDataChannel bool            `yaml:"encrypt_data_channel"`

	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ControlReadTimeout time.Duration `yaml:"control_read_timeout"`
	DataConnectTimeout time.Duration `yaml:"data_connect_timeout"`
	DataReadTimeout    time.Duration `yaml:"data_read_timeout"`
	SocketPollInterval time.Duration `yaml:"socket_poll_interval"`

	SocketKeepAlive       bool `yaml:"socket_keep_alive"`
	StaleDataCheck        bool `yaml:"stale_data_check"`
	UngracefulDisconnect  bool `yaml:"ungraceful_disconnect"`
	AutoUTF8              bool `yaml:"auto_utf8"`

	TransferChunkSize int `yaml:"transfer_chunk_size"`
	RetryAttempts     int `yaml:"retry_attempts"`

	UploadRateLimitKBs   int `yaml:"upload_rate_limit_kbs"`
	DownloadRateLimitKBs int `yaml:"download_rate_limit_kbs"`

	IPPreference IPPreference `yaml:"ip_preference"`

	AddressResolver AddressResolver `yaml:"-"`
	ActivePorts     []int           `yaml:"active_ports"`

	ListingParser string `yaml:"listing_parser"`
	ListingCulture string `yaml:"listing_culture"`
	TimeOffset     time.Duration `yaml:"time_offset"`
}

// DefaultSessionConfig returns a SessionConfig with anonymous credentials,
// automatic passive data channels, and 30s timeouts throughout.
func DefaultSessionConfig(host string, port int) *SessionConfig {
	return &SessionConfig{
		Host: host,
		Port: port,
		Credentials: Credentials{
			Username: "anonymous",
			Password: "anonymous",
		},
		Encryption:           EncryptionNone,
		DataChannel:          DataChannelAutoPassive,
		ConnectTimeout:       30 * time.Second,
		ControlReadTimeout:   30 * time.Second,
		DataConnectTimeout:   30 * time.Second,
		DataReadTimeout:      30 * time.Second,
		SocketPollInterval:   0,
		SocketKeepAlive:      true,
		StaleDataCheck:       true,
		UngracefulDisconnect: false,
		AutoUTF8:             true,
		TransferChunkSize:    32 * 1024,
		RetryAttempts:        1,
		IPPreference:         IPAny,
	}
}

// ResolvedPort returns Port, or the encryption mode's conventional default
// when Port is zero.
func (c *SessionConfig) ResolvedPort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Encryption == EncryptionImplicit {
		return 990
	}
	return 21
}

// LoadSessionConfig decodes a YAML document into a SessionConfig. Fields
// that cannot be represented in YAML (TLSConfig, AddressResolver,
// TLSProtocols) are left at their zero value and must be set in code after
// loading.
func LoadSessionConfig(r io.Reader) (*SessionConfig, error) {
	cfg := DefaultSessionConfig("", 0)
	dec := yaml.NewDecoder(r)
	dec.KnownFields(false)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// snapshot returns a copy of the config with its slices duplicated (pointer
// and function fields such as TLSConfig are shared), used by Connect to
// capture the configuration in effect at connect time.
func (c *SessionConfig) snapshot() SessionConfig {
	cp := *c
	cp.TLSProtocols = append([]uint16(nil), c.TLSProtocols...)
	cp.ActivePorts = append([]int(nil), c.ActivePorts...)
	return cp
}

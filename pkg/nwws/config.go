package nwws

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	PrimaryHost = "nwws-oi.weather.gov"
	BackupHost  = "nwws-oi-md.weather.gov"

	// DefaultRoomAddress is the well-known broadcast room.
	DefaultRoomAddress = "NWWS@conference.nwws-oi.weather.gov"
)

type ServerKind int

const (
	ServerPrimary ServerKind = iota
	ServerBackup
	ServerCustom
)

// Server selects the endpoint to connect to. The zero value is Primary.
type Server struct {
	kind ServerKind
	host string
}

var (
	Primary = Server{kind: ServerPrimary}
	Backup  = Server{kind: ServerBackup}
)

func CustomServer(host string) Server {
	return Server{kind: ServerCustom, host: strings.TrimSpace(host)}
}

// ParseServer accepts "primary", "backup" or a hostname. Empty means primary.
func ParseServer(s string) Server {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "primary":
		return Primary
	case "backup":
		return Backup
	default:
		return CustomServer(s)
	}
}

func (s Server) Kind() ServerKind { return s.kind }

func (s Server) Hostname() string {
	switch s.kind {
	case ServerBackup:
		return BackupHost
	case ServerCustom:
		return s.host
	default:
		return PrimaryHost
	}
}

func (s Server) String() string {
	switch s.kind {
	case ServerBackup:
		return "backup"
	case ServerCustom:
		return s.host
	default:
		return "primary"
	}
}

// Room selects the room to join. The zero value is the default room.
type Room struct {
	addr string
}

var DefaultRoom = Room{}

// CustomRoom selects a room by its bare address (room@service).
func CustomRoom(addr string) Room {
	addr = strings.TrimSpace(addr)
	if addr == DefaultRoomAddress {
		return DefaultRoom
	}
	return Room{addr: addr}
}

func (r Room) IsDefault() bool { return r.addr == "" }

func (r Room) Address() string {
	if r.addr == "" {
		return DefaultRoomAddress
	}
	return r.addr
}

func (r Room) String() string { return r.Address() }

// Config holds the connection parameters. It is a plain value: Stream takes
// a copy for every attempt and never mutates the caller's.
type Config struct {
	Username string
	Password string
	// Resource must be unique per username. Concurrent connections that
	// share a resource knock each other off.
	Resource string
	Server   Server
	Room     Room
}

// NewConfig returns a Config for the primary server and default room with a
// fresh "uuid/<v4>" resource.
func NewConfig(username, password string) Config {
	return Config{
		Username: username,
		Password: password,
		Resource: NewResource(),
		Server:   Primary,
		Room:     DefaultRoom,
	}
}

func NewResource() string { return "uuid/" + uuid.NewString() }

func (c Config) Clone() Config { return c }

// JID is the full account address used to log in.
func (c Config) JID() string {
	return fmt.Sprintf("%s@%s/%s", c.Username, c.Server.Hostname(), c.Resource)
}

// Nickname is the in-room nickname: username/resource.
func (c Config) Nickname() string { return c.Username + "/" + c.Resource }

// String never includes the password.
func (c Config) String() string {
	return fmt.Sprintf("nwws.Config{jid=%s room=%s}", c.JID(), c.Room.Address())
}

package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"avaneesh/ddcmp-go/pkg/channel"
	"avaneesh/ddcmp-go/pkg/controller"
	"avaneesh/ddcmp-go/pkg/ddcmp"

	"github.com/pkg/errors"
)

// Transport names accepted in [Line] Transport
const (
	TransportTCP    = "tcp"
	TransportUDP    = "udp"
	TransportQUIC   = "quic"
	TransportSerial = "serial"
)

// Config represents the configuration of one DDCMP line
type Config struct {
	filename string

	// Line section
	lineID         string
	transport      string
	address        string
	server         bool
	reconnectDelay uint32 // ms
	readTimeout    uint32 // ms
	serialPort     string
	baudRate       uint32
	ignoreCarrier  bool

	// Protocol section
	queueDepth    uint32
	replyTimeout  uint32 // ticks
	maxDataLength uint32
	tickInterval  uint32 // ms
	enable        bool

	// Test section
	corruptPerMille uint32
	corruptSeed     uint64

	// Journal section
	journalEnabled   bool
	journalPath      string
	journalRetention uint32 // hours, 0 keeps everything

	// Log section
	logLevel   string
	logFormat  string
	frameDebug bool
}

// NewConfig creates a new configuration instance
func NewConfig(filename string) *Config {
	def := ddcmp.DefaultLinkConfig()
	return &Config{
		filename: filename,
		// Set reasonable defaults
		lineID:         "line0",
		transport:      TransportTCP,
		reconnectDelay: 5000,
		baudRate:       9600,
		queueDepth:     uint32(def.QueueDepth),
		replyTimeout:   uint32(def.ReplyTimeout),
		maxDataLength:  uint32(def.MaxDataLength),
		tickInterval:   1000,
		enable:         true,
		corruptSeed:    1,
		journalPath:    "data/ddcmp_journal.db",
		logLevel:       "info",
		logFormat:      "console",
	}
}

// Load loads configuration from the specified file
func (c *Config) Load() error {
	file, err := os.Open(c.filename)
	if err != nil {
		return errors.Wrapf(err, "failed to open config file %s", c.filename)
	}
	defer file.Close()

	return c.parseINIScanner(bufio.NewScanner(file))
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	return c.parseINIScanner(bufio.NewScanner(strings.NewReader(data)))
}

func (c *Config) parseINIScanner(scanner *bufio.Scanner) error {
	var currentSection string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if len(line) == 0 || line[0] == '#' || line[0] == ';' {
			continue
		}

		// Check for section header
		if line[0] == '[' && line[len(line)-1] == ']' {
			currentSection = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch currentSection {
		case "Line":
			c.parseLineSection(key, value)
		case "Protocol":
			c.parseProtocolSection(key, value)
		case "Test":
			c.parseTestSection(key, value)
		case "Journal":
			c.parseJournalSection(key, value)
		case "Log":
			c.parseLogSection(key, value)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) parseLineSection(key, value string) {
	switch key {
	case "Id":
		c.lineID = value
	case "Transport":
		c.transport = strings.ToLower(value)
	case "Address":
		c.address = value
	case "Server":
		c.server = c.parseBool(value)
	case "ReconnectDelay":
		c.parseUint32(value, &c.reconnectDelay)
	case "ReadTimeout":
		c.parseUint32(value, &c.readTimeout)
	case "Port":
		c.serialPort = value
	case "Baud":
		c.parseUint32(value, &c.baudRate)
	case "IgnoreCarrier":
		c.ignoreCarrier = c.parseBool(value)
	}
}

func (c *Config) parseProtocolSection(key, value string) {
	switch key {
	case "QueueDepth":
		c.parseUint32(value, &c.queueDepth)
	case "ReplyTimeout":
		c.parseUint32(value, &c.replyTimeout)
	case "MaxDataLength":
		c.parseUint32(value, &c.maxDataLength)
	case "TickInterval":
		c.parseUint32(value, &c.tickInterval)
	case "Enable":
		c.enable = c.parseBool(value)
	}
}

func (c *Config) parseTestSection(key, value string) {
	switch key {
	case "CorruptPerMille":
		c.parseUint32(value, &c.corruptPerMille)
	case "Seed":
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			c.corruptSeed = v
		}
	}
}

func (c *Config) parseJournalSection(key, value string) {
	switch key {
	case "Enable":
		c.journalEnabled = c.parseBool(value)
	case "Path":
		c.journalPath = value
	case "Retention":
		c.parseUint32(value, &c.journalRetention)
	}
}

func (c *Config) parseLogSection(key, value string) {
	switch key {
	case "Level":
		c.logLevel = strings.ToLower(value)
	case "Format":
		c.logFormat = strings.ToLower(value)
	case "FrameDebug":
		c.frameDebug = c.parseBool(value)
	}
}

func (c *Config) parseUint32(value string, dst *uint32) {
	if v, err := strconv.ParseUint(value, 10, 32); err == nil {
		*dst = uint32(v)
	}
}

func (c *Config) parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	if c.lineID == "" {
		return errors.New("[Line] Id is required")
	}
	switch c.transport {
	case TransportTCP, TransportUDP, TransportQUIC:
		if c.address == "" {
			return errors.Errorf("[Line] Address is required for %s", c.transport)
		}
	case TransportSerial:
		if c.serialPort == "" {
			return errors.New("[Line] Port is required for serial")
		}
	default:
		return errors.Errorf("[Line] unknown transport %q", c.transport)
	}
	if c.maxDataLength > ddcmp.MaxDataLength {
		return errors.Errorf("[Protocol] MaxDataLength %d exceeds %d", c.maxDataLength, ddcmp.MaxDataLength)
	}
	if c.corruptPerMille > channel.MaxPerMille {
		return errors.Errorf("[Test] CorruptPerMille %d exceeds %d", c.corruptPerMille, channel.MaxPerMille)
	}
	if _, ok := controller.ParseLogLevel(c.logLevel); !ok {
		return errors.Errorf("[Log] unknown level %q", c.logLevel)
	}
	if c.logFormat != "console" && c.logFormat != "json" {
		return errors.Errorf("[Log] unknown format %q", c.logFormat)
	}
	if c.journalEnabled && c.journalPath == "" {
		return errors.New("[Journal] Path is required when enabled")
	}
	return nil
}

// ControllerConfig returns the line's controller configuration
func (c *Config) ControllerConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.ID = c.lineID
	cfg.Link.QueueDepth = int(c.queueDepth)
	cfg.Link.ReplyTimeout = int(c.replyTimeout)
	cfg.Link.MaxDataLength = int(c.maxDataLength)
	cfg.TickInterval = time.Duration(c.tickInterval) * time.Millisecond
	cfg.EnableOnRun = c.enable
	cfg.CorruptPerMille = int(c.corruptPerMille)
	cfg.CorruptSeed = c.corruptSeed
	return cfg
}

// OpenPhysical opens the transport named in [Line]
func (c *Config) OpenPhysical() (channel.PhysicalChannel, error) {
	reconnect := time.Duration(c.reconnectDelay) * time.Millisecond
	readTimeout := time.Duration(c.readTimeout) * time.Millisecond

	switch c.transport {
	case TransportTCP:
		return channel.NewTCPChannel(channel.TCPChannelConfig{
			Address:        c.address,
			IsServer:       c.server,
			ReconnectDelay: reconnect,
			ReadTimeout:    readTimeout,
		})
	case TransportUDP:
		return channel.NewUDPChannel(channel.UDPChannelConfig{
			Address:     c.address,
			IsServer:    c.server,
			ReadTimeout: readTimeout,
		})
	case TransportQUIC:
		return channel.NewQUICChannel(channel.QUICChannelConfig{
			Address:        c.address,
			IsServer:       c.server,
			ReconnectDelay: reconnect,
			ReadTimeout:    readTimeout,
		})
	case TransportSerial:
		return channel.NewSerialChannel(channel.SerialChannelConfig{
			Port:          c.serialPort,
			BaudRate:      int(c.baudRate),
			ReadTimeout:   readTimeout,
			IgnoreCarrier: c.ignoreCarrier,
		})
	}
	return nil, errors.Errorf("unknown transport %q", c.transport)
}

// Getter methods for Line section
func (c *Config) GetLineID() string         { return c.lineID }
func (c *Config) GetTransport() string      { return c.transport }
func (c *Config) GetAddress() string        { return c.address }
func (c *Config) GetServer() bool           { return c.server }
func (c *Config) GetReconnectDelay() uint32 { return c.reconnectDelay }
func (c *Config) GetReadTimeout() uint32    { return c.readTimeout }
func (c *Config) GetSerialPort() string     { return c.serialPort }
func (c *Config) GetBaudRate() uint32       { return c.baudRate }
func (c *Config) GetIgnoreCarrier() bool    { return c.ignoreCarrier }

// Getter methods for Protocol section
func (c *Config) GetQueueDepth() uint32    { return c.queueDepth }
func (c *Config) GetReplyTimeout() uint32  { return c.replyTimeout }
func (c *Config) GetMaxDataLength() uint32 { return c.maxDataLength }
func (c *Config) GetTickInterval() uint32  { return c.tickInterval }
func (c *Config) GetEnable() bool          { return c.enable }

// Getter methods for Test section
func (c *Config) GetCorruptPerMille() uint32 { return c.corruptPerMille }
func (c *Config) GetCorruptSeed() uint64     { return c.corruptSeed }

// Getter methods for Journal section
func (c *Config) GetJournalEnabled() bool     { return c.journalEnabled }
func (c *Config) GetJournalPath() string      { return c.journalPath }
func (c *Config) GetJournalRetention() uint32 { return c.journalRetention }

// Getter methods for Log section
func (c *Config) GetLogLevel() controller.LogLevel {
	level, _ := controller.ParseLogLevel(c.logLevel)
	return level
}
func (c *Config) GetLogFormat() string { return c.logFormat }
func (c *Config) GetFrameDebug() bool  { return c.frameDebug }

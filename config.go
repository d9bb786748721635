package fuzztarget

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/fuzztarget/transport"
)

// Config is the TOML description of a complete network target: the
// default interface, extra semantic interfaces and auxiliary feedback
// sources. Timings are expressed in seconds (fractions allowed).
type Config struct {
	Target     TargetConfig      `toml:"target"`
	Interfaces []InterfaceConfig `toml:"interface"`
	Feedback   []FeedbackConfig  `toml:"feedback"`
}

// TargetConfig is the [target] table.
type TargetConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	Socket         string  `toml:"socket"`
	Proto          int     `toml:"proto"`
	Tag            string  `toml:"tag"`
	ServerMode     bool    `toml:"server_mode"`
	HoldConnection bool    `toml:"hold_connection"`
	FbkTimeout     float64 `toml:"feedback_timeout"`
	SendingDelay   float64 `toml:"sending_delay"`
	FbkLength      int     `toml:"feedback_length"`
}

// InterfaceConfig is one [[interface]] entry.
type InterfaceConfig struct {
	Tag            string `toml:"tag"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Socket         string `toml:"socket"`
	Proto          int    `toml:"proto"`
	ServerMode     bool   `toml:"server_mode"`
	HoldConnection bool   `toml:"hold_connection"`
}

// FeedbackConfig is one [[feedback]] entry.
type FeedbackConfig struct {
	ID         string `toml:"id"`
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Socket     string `toml:"socket"`
	Proto      int    `toml:"proto"`
	Length     int    `toml:"length"`
	ServerMode bool   `toml:"server_mode"`
}

// socketTypeFor maps a config socket name to its tuple. Supported
// names: tcp, udp, raw (proto required), plus tcp6/udp6/raw6.
func socketTypeFor(name string, proto int) (transport.SocketType, error) {
	var st transport.SocketType
	switch name {
	case "", "tcp":
		st = transport.Stream()
	case "udp":
		st = transport.Datagram()
	case "raw":
		st = transport.Raw(proto)
	case "tcp6":
		st = transport.Stream()
		st.Family = transport.FamilyInet6
	case "udp6":
		st = transport.Datagram()
		st.Family = transport.FamilyInet6
	case "raw6":
		st = transport.Raw(proto)
		st.Family = transport.FamilyInet6
	default:
		return st, fmt.Errorf("unknown socket name %q", name)
	}
	return st, st.Validate()
}

// LoadConfig reads and decodes a TOML target description.
func LoadConfig(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, newConfigurationError("load config", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "fuzztarget.LoadConfig",
		"path":       path,
		"interfaces": len(c.Interfaces),
		"feedback":   len(c.Feedback),
	}).Debug("Target configuration loaded")
	return &c, nil
}

// NewFromConfig reads a TOML target description and builds the target
// it describes.
func NewFromConfig(path string) (*NetworkTarget, error) {
	c, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return c.Build()
}

// Build turns a decoded configuration into a ready-to-start target.
func (c *Config) Build() (*NetworkTarget, error) {
	st, err := socketTypeFor(c.Target.Socket, c.Target.Proto)
	if err != nil {
		return nil, newConfigurationError("build target", err)
	}

	options := NewOptions()
	if c.Target.Host != "" {
		options.Host = c.Target.Host
	}
	if c.Target.Port != 0 {
		options.Port = c.Target.Port
	}
	options.Socket = st
	options.Tag = c.Target.Tag
	options.ServerMode = c.Target.ServerMode
	options.HoldConnection = c.Target.HoldConnection
	if c.Target.FbkTimeout > 0 {
		options.FeedbackTimeout = time.Duration(c.Target.FbkTimeout * float64(time.Second))
	}
	if c.Target.SendingDelay > 0 {
		options.SendingDelay = time.Duration(c.Target.SendingDelay * float64(time.Second))
	}
	options.FeedbackLength = c.Target.FbkLength

	t, err := New(options)
	if err != nil {
		return nil, err
	}

	for _, ic := range c.Interfaces {
		ist, err := socketTypeFor(ic.Socket, ic.Proto)
		if err != nil {
			return nil, newConfigurationError("build target", err)
		}
		if err := t.RegisterInterface(ic.Tag, ic.Host, ic.Port, ist, ic.ServerMode, ic.HoldConnection); err != nil {
			return nil, err
		}
	}

	for _, fc := range c.Feedback {
		fst, err := socketTypeFor(fc.Socket, fc.Proto)
		if err != nil {
			return nil, newConfigurationError("build target", err)
		}
		if _, err := t.AddFeedbackInterface(fc.Host, fc.Port, fst, fc.ID, fc.Length, fc.ServerMode); err != nil {
			return nil, err
		}
	}
	return t, nil
}

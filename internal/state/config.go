package state

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/p1meter/helpers"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/internal/uart"
	"github.com/temoto/p1meter/log2"
)

const (
	ModePublish = "publish"
	ModeSQL     = "sql"
)

const (
	OutputText = "text"
	OutputJSON = "json"
	OutputXML  = "xml"
)

const (
	MqttDriverPaho   = "paho"
	MqttDriverGomqtt = "gomqtt"
)

const (
	BaselineNone   = ""
	BaselineMemory = "memory"
	BaselineRedis  = "redis"
	BaselineSQL    = "sql"
)

const (
	DefaultTopic          = "p1meter/telegram"
	DefaultTable          = "telegram"
	DefaultNetworkTimeout = 30 * time.Second
	DefaultDaemonInterval = 0
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Mode     string   `hcl:"mode"`
	Output   []string `hcl:"output"`
	LogDebug bool     `hcl:"log_debug"`

	Source struct {
		Driver         string `hcl:"driver"`
		Device         string `hcl:"device"`
		Baud           int    `hcl:"baud"`
		DataBits       int    `hcl:"data_bits"`
		Parity         string `hcl:"parity"`
		StopBits       int    `hcl:"stop_bits"`
		HardwareFlow   *bool  `hcl:"hardware_flow"`
		ReadTimeoutSec int    `hcl:"read_timeout_sec"`
	} `hcl:"source"`

	Protocol struct {
		Version  int    `hcl:"version"`
		Checksum string `hcl:"checksum"`
	} `hcl:"protocol"`

	Sql struct {
		Dsn   string `hcl:"dsn"` // secret
		Table string `hcl:"table"`
	} `hcl:"sql"`

	Mqtt struct { //nolint:maligned
		Driver            string `hcl:"driver"`
		Broker            string `hcl:"broker"`
		ClientId          string `hcl:"client_id"`
		Topic             string `hcl:"topic"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"` // secret
		Qos               int    `hcl:"qos"`
		Retain            bool   `hcl:"retain"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		OutboxPath        string `hcl:"outbox_path"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"mqtt"`

	Week struct {
		Baseline      string `hcl:"baseline"`
		RedisAddr     string `hcl:"redis_addr"`
		RedisPassword string `hcl:"redis_password"` // secret
		RedisDb       int    `hcl:"redis_db"`
	} `hcl:"week"`

	Metrics struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`

	Daemon struct {
		IntervalSec int `hcl:"interval_sec"`
	} `hcl:"daemon"`

	// filled by Validate
	Decoder        p1.Options    `hcl:"-"`
	Uart           uart.Config   `hcl:"-"`
	NetworkTimeout time.Duration `hcl:"-"`
	Interval       time.Duration `hcl:"-"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Validate fills defaults and checks enumerations. Call once after ReadConfig.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)

	switch c.Mode {
	case "":
		c.Mode = ModePublish
	case ModePublish, ModeSQL:
	default:
		errs = append(errs, errors.NotValidf("mode=%q (expected publish|sql)", c.Mode))
	}
	if len(c.Output) == 0 {
		c.Output = []string{OutputText}
	}
	for _, o := range c.Output {
		switch o {
		case OutputText, OutputJSON, OutputXML:
		default:
			errs = append(errs, errors.NotValidf("output=%q (expected text|json|xml)", o))
		}
	}

	if c.Protocol.Version == 0 {
		c.Protocol.Version = int(p1.ProtocolV4)
	}
	proto, err := p1.ParseProtocol(c.Protocol.Version)
	if err != nil {
		errs = append(errs, errors.Annotate(err, "config protocol"))
	}
	policy, err := p1.ParseChecksumPolicy(c.Protocol.Checksum)
	if err != nil {
		errs = append(errs, errors.Annotate(err, "config protocol"))
	}
	c.Protocol.Checksum = policy.String()
	c.Decoder = p1.Options{Protocol: proto, Checksum: policy}

	c.Uart = uart.DefaultConfig()
	if c.Source.Driver != "" {
		c.Uart.Driver = c.Source.Driver
	}
	c.Uart.Device = c.Source.Device
	if c.Source.Baud != 0 {
		c.Uart.Baud = c.Source.Baud
	}
	if c.Source.DataBits != 0 {
		c.Uart.DataBits = c.Source.DataBits
	}
	if c.Source.Parity != "" {
		c.Uart.Parity = c.Source.Parity
	}
	if c.Source.StopBits != 0 {
		c.Uart.StopBits = c.Source.StopBits
	}
	if c.Source.HardwareFlow != nil {
		c.Uart.HardwareFlow = *c.Source.HardwareFlow
	}
	c.Uart.ReadTimeout = helpers.IntSecondDefault(c.Source.ReadTimeoutSec, uart.DefaultReadTimeout)
	if c.Uart.Device == "" {
		errs = append(errs, errors.NotValidf("config source.device empty"))
	}
	switch c.Uart.Parity {
	case "N", "E", "O":
	default:
		errs = append(errs, errors.NotValidf("config source.parity=%q (expected N|E|O)", c.Uart.Parity))
	}

	if c.Sql.Table == "" {
		c.Sql.Table = DefaultTable
	}
	if c.Mode == ModeSQL && c.Sql.Dsn == "" {
		errs = append(errs, errors.NotValidf("config mode=sql requires sql.dsn"))
	}

	switch c.Mqtt.Driver {
	case "":
		c.Mqtt.Driver = MqttDriverPaho
	case MqttDriverPaho, MqttDriverGomqtt:
	default:
		errs = append(errs, errors.NotValidf("config mqtt.driver=%q (expected paho|gomqtt)", c.Mqtt.Driver))
	}
	if c.Mqtt.Topic == "" {
		c.Mqtt.Topic = DefaultTopic
	}
	if c.Mqtt.ClientId == "" {
		c.Mqtt.ClientId = "p1meter"
	}
	if c.Mqtt.Qos < 0 || c.Mqtt.Qos > 1 {
		errs = append(errs, errors.NotSupportedf("config mqtt.qos=%d", c.Mqtt.Qos))
	}
	c.NetworkTimeout = helpers.IntSecondDefault(c.Mqtt.NetworkTimeoutSec, DefaultNetworkTimeout)
	if c.NetworkTimeout < time.Second {
		c.NetworkTimeout = time.Second
	}
	if c.Mode == ModePublish && c.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("config mode=publish requires mqtt.broker"))
	}

	switch c.Week.Baseline {
	case BaselineNone, BaselineMemory:
	case BaselineRedis:
		if c.Week.RedisAddr == "" {
			errs = append(errs, errors.NotValidf("config week.baseline=redis requires week.redis_addr"))
		}
	case BaselineSQL:
		if c.Sql.Dsn == "" {
			errs = append(errs, errors.NotValidf("config week.baseline=sql requires sql.dsn"))
		}
	default:
		errs = append(errs, errors.NotValidf("config week.baseline=%q (expected memory|redis|sql)", c.Week.Baseline))
	}

	c.Interval = helpers.IntSecondDefault(c.Daemon.IntervalSec, DefaultDaemonInterval)
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		// content may hold secrets, do not log it
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads and merges names in order, later values overwrite earlier.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

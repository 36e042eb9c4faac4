package publish

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/p1meter/log2"
)

const (
	DriverPaho   = "paho"
	DriverGomqtt = "gomqtt"
)

// Transporter delivers one message to broker, blocking until acknowledged (QoS 1) or written (QoS 0).
type Transporter interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type TransportOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string // secret
	Qos            byte
	Retain         bool
	KeepaliveSec   int
	NetworkTimeout time.Duration
	LogDebug       bool
}

func NewTransport(driver string, log *log2.Log, opt TransportOptions) (Transporter, error) {
	if _, err := url.ParseRequestURI(opt.Broker); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker=%s", opt.Broker)
	}
	if opt.NetworkTimeout < time.Second {
		opt.NetworkTimeout = time.Second
	}
	if opt.KeepaliveSec <= 0 {
		opt.KeepaliveSec = int(opt.NetworkTimeout / time.Second * 2)
	}
	switch driver {
	case DriverPaho, "":
		return newTransportPaho(log, opt), nil
	case DriverGomqtt:
		return newTransportGomqtt(log, opt), nil
	}
	return nil, errors.NotSupportedf("mqtt driver=%q", driver)
}

type transportPaho struct {
	log *log2.Log
	m   mqtt.Client
	opt TransportOptions
	lk  sync.Mutex
}

// pahoLogger routes paho package loggers to given level.
type pahoLogger struct {
	log   *log2.Log
	level log2.Level
}

func (self pahoLogger) Println(args ...interface{}) {
	self.log.Log(self.level, "mqtt: "+strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}
func (self pahoLogger) Printf(format string, args ...interface{}) {
	self.log.Logf(self.level, "mqtt: "+format, args...)
}

func newTransportPaho(log *log2.Log, opt TransportOptions) *transportPaho {
	mqtt.CRITICAL = pahoLogger{log, log2.LError}
	mqtt.ERROR = pahoLogger{log, log2.LError}
	mqtt.WARN = pahoLogger{log, log2.LInfo}
	if opt.LogDebug {
		mqtt.DEBUG = pahoLogger{log, log2.LInfo}
	}

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(opt.NetworkTimeout).
		SetKeepAlive(time.Duration(opt.KeepaliveSec) * time.Second).
		SetMaxReconnectInterval(opt.NetworkTimeout * 3).
		SetPingTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout)
	if opt.Username != "" {
		mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	return &transportPaho{
		log: log,
		m:   mqtt.NewClient(mopt),
		opt: opt,
	}
}

func (self *transportPaho) Publish(ctx context.Context, topic string, payload []byte) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if !self.m.IsConnected() {
		if err := self.tokenWait(ctx, self.m.Connect(), "connect"); err != nil {
			return err
		}
		self.log.Debugf("mqtt connected broker=%s", self.opt.Broker)
	}
	t := self.m.Publish(topic, self.opt.Qos, self.opt.Retain, payload)
	return self.tokenWait(ctx, t, "publish topic="+topic)
}

func (self *transportPaho) Close() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.m.IsConnected() {
		self.m.Disconnect(uint(self.opt.NetworkTimeout / time.Millisecond))
	}
	return nil
}

func (self *transportPaho) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	timeout := self.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !t.WaitTimeout(timeout) {
		return errors.Timeoutf("mqtt %s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotatef(err, "mqtt %s", tag)
	}
	return nil
}

// transportGomqtt keeps one connection, dropped and redialed after any error.
type transportGomqtt struct {
	log *log2.Log
	opt TransportOptions
	url string
	lk  sync.Mutex
	c   *client.Client
}

func newTransportGomqtt(log *log2.Log, opt TransportOptions) *transportGomqtt {
	brokerURL := opt.Broker
	if u, err := url.Parse(opt.Broker); err == nil && opt.Username != "" {
		u.User = url.UserPassword(opt.Username, opt.Password)
		brokerURL = u.String()
	}
	return &transportGomqtt{log: log, opt: opt, url: brokerURL}
}

func (self *transportGomqtt) connect() error {
	if self.c != nil {
		return nil
	}
	c := client.New()
	c.Callback = func(msg *packet.Message, err error) error {
		if err != nil {
			self.log.Errorf("mqtt gomqtt connection err=%v", err)
		}
		return nil
	}
	config := client.NewConfigWithClientID(self.url, self.opt.ClientID)
	config.CleanSession = true
	config.KeepAlive = (time.Duration(self.opt.KeepaliveSec) * time.Second).String()
	cf, err := c.Connect(config)
	if err != nil {
		return errors.Annotate(err, "mqtt connect")
	}
	if err = cf.Wait(self.opt.NetworkTimeout); err != nil {
		_ = c.Close()
		return errors.Annotate(err, "mqtt connect wait")
	}
	self.log.Debugf("mqtt connected broker=%s", self.opt.Broker)
	self.c = c
	return nil
}

func (self *transportGomqtt) drop() {
	if self.c != nil {
		_ = self.c.Close()
		self.c = nil
	}
}

func (self *transportGomqtt) Publish(ctx context.Context, topic string, payload []byte) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if err := self.connect(); err != nil {
		return err
	}
	pf, err := self.c.Publish(topic, payload, packet.QOS(self.opt.Qos), self.opt.Retain)
	if err == nil {
		timeout := self.opt.NetworkTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		err = pf.Wait(timeout)
	}
	if err != nil {
		self.drop()
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	return nil
}

func (self *transportGomqtt) Close() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.c == nil {
		return nil
	}
	err := self.c.Disconnect(self.opt.NetworkTimeout)
	self.c = nil
	return errors.Annotate(err, "mqtt disconnect")
}

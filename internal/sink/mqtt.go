package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// Publisher 是 MQTT sink 用到的最小客户端能力（mqtt.Client 满足该接口）。
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTOptions struct {
	Broker   string
	Topic    string
	QoS      byte
	ClientID string
	Logger   *slog.Logger
}

// MQTT 把每条结果以 JSON 发布到 <topic>/<key>（key 中的 + # / 会被替换为 _）。
type MQTT struct {
	pub     Publisher
	topic   string
	qos     byte
	log     *slog.Logger
	closeFn func()

	published int
}

type mqttPayload struct {
	Index   int      `json:"index"`
	Key     string   `json:"key"`
	Text    string   `json:"text"`
	Symbols []string `json:"symbols"`
	Weight  float64  `json:"weight"`
}

// NewMQTT 用已连接的 Publisher 构造 sink；closeFn 在 Close 时调用（可为 nil）。
func NewMQTT(pub Publisher, topic string, qos byte, lg *slog.Logger, closeFn func()) (*MQTT, error) {
	topic = strings.TrimRight(strings.TrimSpace(topic), "/")
	if topic == "" {
		return nil, errors.New("mqtt.topic 不能为空")
	}
	if qos > 2 {
		return nil, fmt.Errorf("mqtt.qos 只能是 0/1/2：%d", qos)
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &MQTT{pub: pub, topic: topic, qos: qos, log: lg, closeFn: closeFn}, nil
}

// DialMQTT 连接 broker 并返回 MQTT sink。
func DialMQTT(opts MQTTOptions) (*MQTT, error) {
	broker := strings.TrimSpace(opts.Broker)
	if broker == "" {
		return nil, errors.New("mqtt.broker 不能为空")
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(false)
	co.SetMaxReconnectInterval(10 * time.Second)
	co.OnConnectionLost = func(c mqtt.Client, err error) {
		lg.Warn("mqtt connection lost", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, &Error{Sink: FormatMQTT, Err: fmt.Errorf("连接 %s 超时", broker)}
	}
	if err := token.Error(); err != nil {
		return nil, &Error{Sink: FormatMQTT, Err: fmt.Errorf("连接 %s 失败：%w", broker, err)}
	}
	lg.Info("mqtt connected", "broker", broker, "client_id", opts.ClientID)

	return NewMQTT(client, opts.Topic, opts.QoS, lg, func() { client.Disconnect(250) })
}

func (m *MQTT) Emit(r Record) error {
	syms := r.Path.Symbols
	if syms == nil {
		syms = []string{}
	}
	payload, err := json.Marshal(mqttPayload{
		Index:   r.Index,
		Key:     string(r.Key),
		Text:    r.Path.Line(),
		Symbols: syms,
		Weight:  r.Path.Weight,
	})
	if err != nil {
		return &Error{Sink: FormatMQTT, Err: err}
	}

	topic := m.topic + "/" + topicLevel(string(r.Key))
	token := m.pub.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return &Error{Sink: FormatMQTT, Err: fmt.Errorf("发布 %s 超时", topic)}
	}
	if err := token.Error(); err != nil {
		return &Error{Sink: FormatMQTT, Err: fmt.Errorf("发布 %s 失败：%w", topic, err)}
	}
	m.published++
	m.log.Debug("result published", "topic", topic, "qos", m.qos, "size", len(payload))
	return nil
}

// topicLevel 把 key 变成单个合法的 topic 层级：通配符 + # 与层级分隔符 / 替换为 _。
// 原始 key 始终在 payload 里。
func topicLevel(key string) string {
	return topicEscaper.Replace(key)
}

var topicEscaper = strings.NewReplacer("+", "_", "#", "_", "/", "_", "\x00", "_")

// Published 是成功发布的条数。
func (m *MQTT) Published() int { return m.published }

func (m *MQTT) Close() error {
	if m.closeFn != nil {
		m.closeFn()
		m.closeFn = nil
	}
	return nil
}

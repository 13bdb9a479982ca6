package natcash

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	pubnub "github.com/pubnub/go/v7"
	"github.com/shopspring/decimal"
)

// statusChannelPrefix is the per-payment topic naming scheme of the
// gateway's push transport.
const statusChannelPrefix = "payment-status-"

type (
	Config struct {
		BaseURL    string `json:"base_url" mapstructure:"base_url"`
		SecretKey  string `json:"secret_key" mapstructure:"secret_key"`
		VerifyCode string `json:"verify_code" mapstructure:"verify_code"`

		PNSubKey    string `json:"pn_subkey" mapstructure:"pn_subkey"`
		PNSubSecret string `json:"pn_subsecret" mapstructure:"pn_subsecret"`
		PNUUID      string `json:"pn_uuid" mapstructure:"pn_uuid"`
		PNCipherKey string `json:"pn_cipherKey" mapstructure:"pn_cipherkey"`
	}

	// Natcash bundles the signed REST client with the real-time status
	// subscription against the gateway's push transport.
	Natcash struct {
		client *Client

		sub *subscribe

		// mu guards channels; at most one subscription per open session.
		mu       sync.Mutex
		channels map[string]struct{}
	}
)

// StatusPush is one status token delivered over a per-payment topic.
type StatusPush struct {
	PaymentID string
	Token     string
}

// New returns a new Natcash gateway instance.
func New(ctx context.Context, cfg *Config) (*Natcash, error) {
	client := newClient(ctx, &ClientConfig{
		BaseURL:    cfg.BaseURL,
		SecretKey:  cfg.SecretKey,
		VerifyCode: cfg.VerifyCode,
	})

	n := &Natcash{
		client:   client,
		channels: make(map[string]struct{}),
	}

	// Set the gateway's PubNub config. The linear reconnection policy
	// keeps the subscription alive until the session is torn down.
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PNUUID))
	pnCfg.SubscribeKey = cfg.PNSubKey
	pnCfg.SecretKey = cfg.PNSubSecret
	pnCfg.CipherKey = cfg.PNCipherKey
	pnCfg.PNReconnectionPolicy = pubnub.PNLinearPolicy

	newSub, err := n.newSubscription(ctx, pnCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to gateway status transport: %v", err)
	}

	newSub.pn.AddListener(newSub.lis)
	n.sub = newSub

	return n, nil
}

type subscribe struct {
	pn  *pubnub.PubNub
	lis *pubnub.Listener
	ch  chan *StatusPush
}

func (n *Natcash) newSubscription(ctx context.Context, pnCfg *pubnub.Config) (*subscribe, error) {
	sub := &subscribe{
		pn:  pubnub.NewPubNub(pnCfg),
		lis: pubnub.NewListener(),
	}

	go sub.processSubscription(ctx)

	return sub, nil
}

// processSubscription pumps listener events. Transport-level trouble is
// logged and never mapped to a payment transition; only explicit status
// payloads count.
func (s *subscribe) processSubscription(ctx context.Context) error {
	listener := s.lis
	for {
		select {
		case st := <-listener.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				log.Println("connected to gateway status transport")

			case pubnub.PNReconnectedCategory:
				log.Println("reconnected to gateway status transport")

			case pubnub.PNDisconnectedCategory:
				log.Println("disconnected from gateway status transport")

			case pubnub.PNAccessDeniedCategory:
				log.Println("access denied by gateway status transport")

			case pubnub.PNTimeoutCategory:
				log.Println("timeout on gateway status transport")

			case pubnub.PNReconnectionAttemptsExhausted:
				log.Println("reconnection attempts exhausted on gateway status transport")

			default:
				log.Printf("gateway status transport event: %v", st.Category)
			}

		case message := <-listener.Message:
			if !strings.HasPrefix(message.Channel, statusChannelPrefix) {
				continue
			}

			token, ok := message.Message.(string)
			if !ok {
				log.Printf("gateway status push: unexpected payload type %T", message.Message)
				continue
			}

			if s.ch != nil {
				s.ch <- &StatusPush{
					PaymentID: strings.TrimPrefix(message.Channel, statusChannelPrefix),
					Token:     token,
				}
			}

		case <-ctx.Done():
			log.Println("close gateway status subscription")
			return nil
		}
	}
}

// SetPushChannel sets the channel status pushes are delivered on.
func (n *Natcash) SetPushChannel(ch chan *StatusPush) {
	n.sub.ch = ch
}

// StatusChannel returns the topic name for one payment.
func StatusChannel(paymentID string) string {
	return statusChannelPrefix + paymentID
}

// Subscribe opens the per-payment status topic. Re-subscribing while
// already connected is a no-op.
func (n *Natcash) Subscribe(_ context.Context, paymentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.channels[paymentID]; ok {
		return
	}
	n.channels[paymentID] = struct{}{}

	n.sub.pn.Subscribe().Channels([]string{StatusChannel(paymentID)}).Execute()
}

// Unsubscribe tears the per-payment topic down. Called on every exit
// path once the session is terminal or discarded.
func (n *Natcash) Unsubscribe(_ context.Context, paymentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.channels[paymentID]; !ok {
		return
	}
	delete(n.channels, paymentID)

	n.sub.pn.Unsubscribe().Channels([]string{StatusChannel(paymentID)}).Execute()
}

func (n *Natcash) RequestCashin(ctx context.Context, f *CashinForm) (*CashinResult, error) {
	return n.client.RequestCashin(ctx, f)
}

func (n *Natcash) ConfirmCashin(ctx context.Context, f *ConfirmForm) (*ConfirmResult, error) {
	return n.client.ConfirmCashin(ctx, f)
}

func (n *Natcash) InitPayment(ctx context.Context, amount decimal.Decimal, content string) (*PaymentSession, error) {
	return n.client.InitPayment(ctx, amount, content)
}

func (n *Natcash) GetPayment(ctx context.Context, paymentID string) (*PaymentSession, error) {
	return n.client.GetPayment(ctx, paymentID)
}

func (n *Natcash) MarkExpired(ctx context.Context, paymentID string) error {
	return n.client.MarkExpired(ctx, paymentID)
}

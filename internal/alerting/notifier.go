package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"settlement-arb-alerts/internal/arb"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, opp arb.Opportunity) error
	SendText(ctx context.Context, text string) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger

	// financing renders the caución detail block appended to each
	// alert. Optional.
	financing *arb.FinancingParams
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// WithFinancingDetail enables the caución breakdown section in alert
// messages.
func (n *TelegramNotifier) WithFinancingDetail(p arb.FinancingParams) *TelegramNotifier {
	n.financing = &p
	return n
}

// Notify 调用 sendMessage API 推送机会详情。
func (n *TelegramNotifier) Notify(ctx context.Context, opp arb.Opportunity) error {
	if err := n.SendText(ctx, n.renderMessage(opp)); err != nil {
		return err
	}

	n.logger.Info().
		Str("ticker", opp.Ticker).
		Str("direction", string(opp.Direction)).
		Str("net_pct", opp.NetPct.StringFixed(4)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// SendText delivers a plain text message, used for lifecycle notices
// such as startup, shutdown, and persistent auth failure.
func (n *TelegramNotifier) SendText(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}
	return nil
}

func (n *TelegramNotifier) renderMessage(opp arb.Opportunity) string {
	builder := strings.Builder{}
	builder.WriteString("[Arbitraje CI/24hs]\n")
	builder.WriteString(fmt.Sprintf("Ticker: %s (%s)\n", opp.Ticker, opp.Class))
	builder.WriteString(fmt.Sprintf("Dirección: caución %s\n", opp.Direction))
	builder.WriteString(fmt.Sprintf("Vender %s @ %s\n", opp.SellSymbol, opp.SellPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Comprar %s @ %s\n", opp.BuySymbol, opp.BuyPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Spread bruto: %s%% (TNA %s%%)\n", opp.RawSpreadPct.StringFixed(4), opp.SpreadTNA.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Costos: %s%%  Financiamiento: %s%%\n", opp.FeesPct.StringFixed(4), opp.FinancingPct.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Neto: %s%%\n", opp.NetPct.StringFixed(4)))
	if opp.Size.IsPositive() {
		builder.WriteString(fmt.Sprintf("Tamaño: %s  Nominal: $%s  Ganancia: $%s\n",
			opp.Size.String(), opp.Notional.StringFixed(2), opp.NetAmount.StringFixed(2)))
	}
	if n.financing != nil {
		var bd arb.Breakdown
		if opp.Direction == arb.DirectionColocadora {
			bd = n.financing.ColocadoraBreakdown(opp.Days)
		} else {
			bd = n.financing.TomadoraBreakdown(opp.Days)
		}
		builder.WriteString(fmt.Sprintf("Caución %dd: tasa %s%%, arancel %s%%, neto %s%%\n",
			bd.Days, bd.RatePct.StringFixed(4), bd.ArancelPct.StringFixed(4), bd.NetPct.StringFixed(4)))
	}
	builder.WriteString(fmt.Sprintf("Detectado: %s\n", opp.DetectedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/whisper-darkly/sniper-backend/clock"
	"github.com/whisper-darkly/sniper-backend/notifier"
	"github.com/whisper-darkly/sniper-backend/tokencache"
	"github.com/whisper-darkly/sniper-backend/trace"
)

// callbackDataLimit is the transport bound on a button payload.
const callbackDataLimit = 64

// dcDisplayNames maps datacenter codes to flag-decorated display names.
var dcDisplayNames = map[string]string{
	"gra": "🇫🇷 法国·格拉沃利讷",
	"rbx": "🇫🇷 法国·鲁贝",
	"sbg": "🇫🇷 法国·斯特拉斯堡",
	"bhs": "🇨🇦 加拿大·博舍维尔",
	"syd": "🇦🇺 澳大利亚·悉尼",
	"sgp": "🇸🇬 新加坡",
	"ynm": "🇮🇳 印度·孟买",
	"waw": "🇵🇱 波兰·华沙",
	"fra": "🇩🇪 德国·法兰克福",
	"lon": "🇬🇧 英国·伦敦",
	"par": "🇫🇷 法国·巴黎",
	"eri": "🇮🇹 意大利·埃里切",
	"lim": "🇵🇱 波兰·利马诺瓦",
	"vin": "🇺🇸 美国·弗吉尼亚",
	"hil": "🇺🇸 美国·俄勒冈",
}

// dcShortNames maps datacenter codes to short button labels.
var dcShortNames = map[string]string{
	"gra": "🇫🇷 Gra",
	"rbx": "🇫🇷 Rbx",
	"sbg": "🇫🇷 Sbg",
	"bhs": "🇨🇦 Bhs",
	"syd": "🇦🇺 Syd",
	"sgp": "🇸🇬 Sgp",
	"ynm": "🇮🇳 Mum",
	"waw": "🇵🇱 Waw",
	"fra": "🇩🇪 Fra",
	"lon": "🇬🇧 Lon",
	"par": "🇫🇷 Par",
	"eri": "🇮🇹 Eri",
	"lim": "🇵🇱 Lim",
	"vin": "🇺🇸 Vin",
	"hil": "🇺🇸 Hil",
}

func dcDisplayName(dc string) string {
	if name, ok := dcDisplayNames[strings.ToLower(dc)]; ok {
		return name
	}
	return strings.ToUpper(dc)
}

func dcShortName(dc string) string {
	if name, ok := dcShortNames[strings.ToLower(dc)]; ok {
		return name
	}
	return strings.ToUpper(dc)
}

// send delivers a formatted message through the injected send function.
// Transport failures are logged; state is never rolled back, so transitions
// are not replayed.
func (m *Monitor) send(ctx context.Context, planCode, text string, markup *notifier.ReplyMarkup) {
	if m.deps.Send == nil {
		m.log.Warn(ctx, "no notification channel configured, dropping message", "monitor")
		return
	}
	if m.deps.Send(text, markup) {
		m.log.Info(ctx, fmt.Sprintf("notification delivered for %s", planCode), "monitor")
	} else {
		m.log.Warn(ctx, fmt.Sprintf("notification delivery failed for %s", planCode), "monitor")
	}
}

// writeHeader appends the shared server/plan/configuration block.
func writeHeader(b *strings.Builder, set settings, info *ConfigInfo) {
	if set.serverName != "" {
		fmt.Fprintf(b, "服务器: %s\n", set.serverName)
	}
	fmt.Fprintf(b, "型号: %s\n", set.planCode)
	if info != nil {
		fmt.Fprintf(b, "配置: %s\n├─ 内存: %s\n└─ 存储: %s\n", info.Display, info.Memory, info.Storage)
	}
}

// writeTraceIDs appends the trace block: both IDs on separate lines when
// both are present.
func writeTraceIDs(b *strings.Builder, ctx context.Context) {
	subID, cfgID := trace.SubscriptionID(ctx), trace.ConfigID(ctx)
	switch {
	case subID != "" && cfgID != "":
		fmt.Fprintf(b, "\n🆔 Trace ID:\n  订阅: %s\n  配置: %s", subID, cfgID)
	case subID != "":
		fmt.Fprintf(b, "\n🆔 Trace ID: %s", subID)
	case cfgID != "":
		fmt.Fprintf(b, "\n🆔 Trace ID: %s", cfgID)
	}
}

// formatAvailableGrouped builds one grouped availability message for a
// configuration: all newly available datacenters, one order button each.
func (m *Monitor) formatAvailableGrouped(ctx context.Context, set settings, info *ConfigInfo, emissions []emission, priceText, priceErr string) (string, *notifier.ReplyMarkup) {
	var b strings.Builder
	b.WriteString("🎉 服务器上架通知！\n\n")
	writeHeader(&b, set, info)

	if priceText != "" {
		fmt.Fprintf(&b, "\n💰 价格: %s\n", priceText)
	} else if priceErr != "" {
		fmt.Fprintf(&b, "\n⚠️ 价格提示：%s\n", priceErr)
	}

	fmt.Fprintf(&b, "\n✅ 有货的机房 (%d个):\n", len(emissions))
	for _, e := range emissions {
		fmt.Fprintf(&b, "  • %s (%s)", dcDisplayName(e.dc), strings.ToUpper(e.dc))
		if e.duration != "" {
			fmt.Fprintf(&b, " - ⏱️ 上次无货→本次有货: %s", e.duration)
		}
		b.WriteString("\n")
	}

	writeTraceIDs(&b, ctx)

	// Earliest detection across the group governs the displayed delay.
	earliest := emissions[0].detectedAt
	for _, e := range emissions[1:] {
		if e.detectedAt.Before(earliest) {
			earliest = e.detectedAt
		}
	}
	push := m.now()
	fmt.Fprintf(&b, "\n⏰ 检测时间: %s", clock.FormatStamp(earliest))
	fmt.Fprintf(&b, "\n📤 推送时间: %s", clock.FormatStamp(push))
	b.WriteString("\n⏱️ 推送延迟: " + pushDelayText(push.Sub(earliest)))

	b.WriteString("\n\n💡 点击下方按钮可直接下单对应机房！")

	return b.String(), m.buildKeyboard(ctx, set, info, emissions)
}

// buildKeyboard mints one token per datacenter and lays buttons out at most
// two per row.
func (m *Monitor) buildKeyboard(ctx context.Context, set settings, info *ConfigInfo, emissions []emission) *notifier.ReplyMarkup {
	var keyboard [][]notifier.Button
	var row []notifier.Button
	for i, e := range emissions {
		token := m.tokens.Put(tokencache.Entry{
			PlanCode:   set.planCode,
			Datacenter: e.dc,
			Options:    info.Options,
			ConfigInfo: map[string]any{
				"memory":  info.Memory,
				"storage": info.Storage,
				"display": info.Display,
			},
		})
		m.log.Debug(ctx, fmt.Sprintf("minted callback token %s for %s@%s options=%v",
			token, set.planCode, e.dc, info.Options), "monitor")

		payload, err := json.Marshal(callbackPayload{A: callbackAction, U: token})
		if err != nil {
			m.log.Warn(ctx, fmt.Sprintf("marshal callback payload: %v", err), "monitor")
			continue
		}
		data := string(payload)
		if len(data) > callbackDataLimit {
			m.log.Warn(ctx, fmt.Sprintf("callback payload unexpectedly long: %d bytes, token=%s",
				len(data), token), "monitor")
			data = data[:callbackDataLimit]
		}

		row = append(row, notifier.Button{
			Text:         dcShortName(e.dc) + " 一键下单",
			CallbackData: data,
		})
		if len(row) == 2 || i == len(emissions)-1 {
			keyboard = append(keyboard, row)
			row = nil
		}
	}
	if len(keyboard) == 0 {
		return nil
	}
	return &notifier.ReplyMarkup{InlineKeyboard: keyboard}
}

// formatPriceCheckFailed builds the single "listed available, not orderable"
// message.  No buttons: the configuration cannot actually be ordered.
func (m *Monitor) formatPriceCheckFailed(ctx context.Context, set settings, info *ConfigInfo, e emission, priceText string) string {
	var b strings.Builder
	b.WriteString("📦 服务器可用性通知\n\n")
	if set.serverName != "" {
		fmt.Fprintf(&b, "服务器: %s\n", set.serverName)
	}
	fmt.Fprintf(&b, "型号: %s\n", set.planCode)
	fmt.Fprintf(&b, "数据中心: %s\n", e.dc)
	if info != nil {
		fmt.Fprintf(&b, "配置: %s\n├─ 内存: %s\n└─ 存储: %s\n", info.Display, info.Memory, info.Storage)
	}
	if priceText != "" {
		fmt.Fprintf(&b, "\n💰 价格: %s\n", priceText)
	}
	b.WriteString("\n状态: 可用性显示有货，但价格校验未通过（不可下单）\n")
	fmt.Fprintf(&b, "时间: %s\n", clock.FormatStamp(m.now()))
	writeTraceIDs(&b, ctx)
	b.WriteString("\n\n⚠️ 特别说明：\n")
	if e.reason != "" {
		fmt.Fprintf(&b, "（价格校验未通过: %s，已跳过自动下单）", e.reason)
	} else {
		b.WriteString("（价格校验未通过，已跳过自动下单）")
	}
	return b.String()
}

// formatUnavailableGrouped builds one grouped unavailability message: all
// newly delisted datacenters with their uptime durations.  No buttons.
func (m *Monitor) formatUnavailableGrouped(ctx context.Context, set settings, info *ConfigInfo, emissions []emission) string {
	var b strings.Builder
	b.WriteString("📦 服务器下架通知\n\n")
	writeHeader(&b, set, info)

	fmt.Fprintf(&b, "\n已下架机房 (%d 个):\n", len(emissions))
	for _, e := range emissions {
		fmt.Fprintf(&b, "  • %s (%s)", dcDisplayName(e.dc), strings.ToUpper(e.dc))
		if e.duration != "" {
			fmt.Fprintf(&b, " - ⏱️ 本次上架持续: %s", e.duration)
		}
		b.WriteString("\n")
	}

	writeTraceIDs(&b, ctx)
	fmt.Fprintf(&b, "\n⏰ 时间: %s", clock.FormatStamp(m.now()))
	return b.String()
}

// notifySimple sends the single-datacenter message for a legacy simple row.
func (m *Monitor) notifySimple(ctx context.Context, set settings, e emission) {
	var b strings.Builder
	switch e.change {
	case StatusAvailable:
		b.WriteString("🎉 服务器上架通知！\n\n")
		if set.serverName != "" {
			fmt.Fprintf(&b, "服务器: %s\n", set.serverName)
		}
		fmt.Fprintf(&b, "型号: %s\n", set.planCode)
		fmt.Fprintf(&b, "数据中心: %s\n", e.dc)
		if e.duration != "" {
			fmt.Fprintf(&b, "⏱️ 上次无货→本次有货: %s\n", e.duration)
		}
		fmt.Fprintf(&b, "⏰ 推送时间: %s\n", clock.FormatStamp(m.now()))
		writeTraceIDs(&b, ctx)
		b.WriteString("\n\n💡 快去抢购吧！")
	case StatusPriceCheckFailed:
		m.send(ctx, set.planCode, m.formatPriceCheckFailed(ctx, set, nil, e, ""), nil)
		return
	default:
		b.WriteString("📦 服务器下架通知\n\n")
		if set.serverName != "" {
			fmt.Fprintf(&b, "服务器: %s\n", set.serverName)
		}
		fmt.Fprintf(&b, "型号: %s\n", set.planCode)
		fmt.Fprintf(&b, "\n数据中心: %s\n状态: 已无货\n", e.dc)
		fmt.Fprintf(&b, "⏰ 时间: %s", clock.FormatStamp(m.now()))
		writeTraceIDs(&b, ctx)
		if e.duration != "" {
			fmt.Fprintf(&b, "\n⏱️ 本次上架持续: %s", e.duration)
		}
	}
	m.send(ctx, set.planCode, b.String(), nil)
}

// pushDelayText renders push − detection; sub-second delays display as "<1秒".
func pushDelayText(d time.Duration) string {
	secs := int(d.Seconds())
	if secs <= 0 {
		return "<1秒"
	}
	if secs >= 60 {
		return fmt.Sprintf("%d分%d秒", secs/60, secs%60)
	}
	return fmt.Sprintf("%d秒", secs)
}

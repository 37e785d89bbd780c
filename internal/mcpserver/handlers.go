package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/engine"
	"github.com/mbd888/domainlens/internal/risk"
	"github.com/mbd888/domainlens/internal/session"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleClassifyURL estimates a URL without recording it.
func (h *Handlers) HandleClassifyURL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL := req.GetString("url", "")
	if rawURL == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	signals := req.GetStringSlice("signals", nil)

	est, err := h.client.Classify(ctx, rawURL, signals)
	if err != nil {
		return toolError("classify URL", err), nil
	}
	return mcp.NewToolResultText(formatEstimation(est)), nil
}

// HandleGetDomain shows the stored view of a domain.
func (h *Handlers) HandleGetDomain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain := req.GetString("domain", "")
	if domain == "" {
		return mcp.NewToolResultError("domain is required"), nil
	}

	view, err := h.client.GetDomain(ctx, domain)
	if err != nil {
		return toolError("get domain", err), nil
	}
	return mcp.NewToolResultText(formatDomainView(view)), nil
}

// HandleListDomains lists every known domain.
func (h *Handlers) HandleListDomains(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domains, err := h.client.ListDomains(ctx)
	if err != nil {
		return toolError("list domains", err), nil
	}
	if len(domains) == 0 {
		return mcp.NewToolResultText("No domains recorded yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d domains:\n", len(domains))
	for _, d := range domains {
		fmt.Fprintf(&sb, "- %s\n", d)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecomputeRisk re-scores a domain.
func (h *Handlers) HandleRecomputeRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain := req.GetString("domain", "")
	if domain == "" {
		return mcp.NewToolResultError("domain is required"), nil
	}

	rec, err := h.client.RecomputeRisk(ctx, domain)
	if err != nil {
		return toolError("recompute risk", err), nil
	}
	return mcp.NewToolResultText(formatRisk(rec)), nil
}

// HandleSetOverride replaces the user override for a domain.
func (h *Handlers) HandleSetOverride(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain := req.GetString("domain", "")
	if domain == "" {
		return mcp.NewToolResultError("domain is required"), nil
	}
	o := activity.Override{
		Pinned:      req.GetBool("pinned", false),
		Whitelisted: req.GetBool("whitelisted", false),
		Ignored:     req.GetBool("ignored", false),
		Category:    activity.Category(req.GetString("category", "")),
	}
	if o.Pinned && o.Ignored {
		return mcp.NewToolResultError("a domain cannot be both pinned and ignored"), nil
	}
	if !o.Category.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown category %q", o.Category)), nil
	}

	rec, err := h.client.SetOverride(ctx, domain, o)
	if err != nil {
		return toolError("set override", err), nil
	}
	return mcp.NewToolResultText("Override saved.\n\n" + formatRisk(rec)), nil
}

// HandleTabContext shows the recent events of a tab's browsing context.
func (h *Handlers) HandleTabContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tab := session.TabID(req.GetInt("tab_id", 0))
	if !tab.Valid() {
		return mcp.NewToolResultError("tab_id must be a positive integer"), nil
	}

	root, events, err := h.client.TabContext(ctx, tab)
	if err != nil {
		return toolError("get tab context", err), nil
	}
	if len(events) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No recent events for tab %s.", tab)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Context rooted at tab %s (%d events):\n", root, len(events))
	for _, ev := range events {
		fmt.Fprintf(&sb, "- %s  tab %s  %s  %s\n", ev.At.Format("15:04:05"), ev.TabID, ev.Kind, ev.Domain)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatEstimation(est *activity.Estimation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s\n", est.Domain)
	fmt.Fprintf(&sb, "Activity: %s (%s confidence, %.2f)\n", est.Level, est.Bucket, est.Confidence)
	if est.RPDomain != "" {
		fmt.Fprintf(&sb, "Signing in to: %s\n", est.RPDomain)
	}
	if est.IdPDomain != "" {
		fmt.Fprintf(&sb, "Signed in via: %s\n", est.IdPDomain)
	}
	fmt.Fprintf(&sb, "Risk score: %d/100\n", est.RiskScore)
	fmt.Fprintf(&sb, "Management: %s\n", est.ManagementState)
	if len(est.Evidence) > 0 {
		fmt.Fprintf(&sb, "Evidence: %s\n", strings.Join(est.Evidence, ", "))
	}
	if est.Explanation != "" {
		fmt.Fprintf(&sb, "\n%s\n", est.Explanation)
	}
	return sb.String()
}

func formatRisk(rec *risk.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s\n", rec.Domain)
	fmt.Fprintf(&sb, "Risk score: %d/100 (confidence %.2f)\n", rec.Score, rec.Confidence)
	fmt.Fprintf(&sb, "Activity: %s\n", rec.Level)
	fmt.Fprintf(&sb, "Management: %s\n", rec.State)
	fmt.Fprintf(&sb, "Visits: %d\n", rec.Visits)
	if len(rec.Reasons) > 0 {
		fmt.Fprintf(&sb, "Reasons: %s\n", strings.Join(rec.Reasons, "; "))
	}
	return sb.String()
}

func formatDomainView(v *engine.DomainView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s\n", v.Domain)

	if v.Stats != nil {
		fmt.Fprintf(&sb, "Visits: %d\n", v.Stats.Visits)
	}
	if v.Risk != nil {
		fmt.Fprintf(&sb, "Risk score: %d/100 (confidence %.2f)\n", v.Risk.Score, v.Risk.Confidence)
		fmt.Fprintf(&sb, "Activity: %s\n", v.Risk.Level)
		fmt.Fprintf(&sb, "Management: %s\n", v.Risk.State)
	}

	var flags []string
	if v.Override.Pinned {
		flags = append(flags, "pinned")
	}
	if v.Override.Whitelisted {
		flags = append(flags, "whitelisted")
	}
	if v.Override.Ignored {
		flags = append(flags, "ignored")
	}
	if v.Override.Category != activity.CategoryNone {
		flags = append(flags, "category "+string(v.Override.Category))
	}
	if len(flags) > 0 {
		fmt.Fprintf(&sb, "Override: %s\n", strings.Join(flags, ", "))
	}

	if len(v.History) > 0 {
		sb.WriteString("\nRecent scores:\n")
		for _, r := range v.History {
			fmt.Fprintf(&sb, "- %s  %d  %s\n", r.UpdatedAt.Format("2006-01-02 15:04"), r.Score, r.State)
		}
	}
	return sb.String()
}

// toolError reports a failed API call. Ignored requests are not errors.
func toolError(action string, err error) *mcp.CallToolResult {
	if errors.Is(err, ErrIgnored) {
		return mcp.NewToolResultText("The API ignored the request; nothing was recorded.")
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err))
}

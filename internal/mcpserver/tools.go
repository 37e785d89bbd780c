package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the domainlens MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolClassifyURL = mcp.NewTool("classify_url",
	mcp.WithDescription(
		"Estimate what kind of activity a URL represents (view, account, ugc or transaction) "+
			"and how much attention the domain deserves. Read-only: nothing is recorded."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("Absolute http(s) URL, e.g. 'https://shop.example/checkout'")),
	mcp.WithArray("signals",
		mcp.Description("Optional page signals observed on the URL, e.g. 'dom_password_field' or 'dom_payment_form'"),
		mcp.WithStringItems()),
)

var ToolGetDomain = mcp.NewTool("get_domain",
	mcp.WithDescription(
		"Show everything recorded for a domain: visit statistics, the strongest activity seen, "+
			"current risk score and management state, the user override and recent risk history."),
	mcp.WithString("domain",
		mcp.Required(),
		mcp.Description("Registrable domain, e.g. 'bank.example'")),
)

var ToolListDomains = mcp.NewTool("list_domains",
	mcp.WithDescription("List every domain with recorded activity."),
)

var ToolRecomputeRisk = mcp.NewTool("recompute_risk",
	mcp.WithDescription(
		"Re-score a domain from its stored activity and override. "+
			"Returns the fresh risk record."),
	mcp.WithString("domain",
		mcp.Required(),
		mcp.Description("Registrable domain, e.g. 'bank.example'")),
)

var ToolSetOverride = mcp.NewTool("set_override",
	mcp.WithDescription(
		"Replace the user override for a domain. Pinned domains are always managed, "+
			"ignored domains never are. The category adjusts the risk score."),
	mcp.WithString("domain",
		mcp.Required(),
		mcp.Description("Registrable domain, e.g. 'bank.example'")),
	mcp.WithBoolean("pinned",
		mcp.Description("Always manage this domain")),
	mcp.WithBoolean("whitelisted",
		mcp.Description("Trust this domain: lowers its risk score")),
	mcp.WithBoolean("ignored",
		mcp.Description("Never manage this domain")),
	mcp.WithString("category",
		mcp.Description("Optional user category"),
		mcp.Enum("finance", "auth", "shopping")),
)

var ToolTabContext = mcp.NewTool("tab_context",
	mcp.WithDescription(
		"Show the recent navigation events of the browsing context a tab belongs to, "+
			"following opener links back to the root tab."),
	mcp.WithNumber("tab_id",
		mcp.Required(),
		mcp.Description("Positive browser tab id")),
)

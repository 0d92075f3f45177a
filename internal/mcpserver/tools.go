package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the StableFlow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListPendingClaims = mcp.NewTool("list_pending_claims",
	mcp.WithDescription(
		"List expense claims waiting for a decision. "+
			"By default returns PENDING and UNDER_REVIEW claims with owner, amount in USDC, category and title."),
	mcp.WithString("status",
		mcp.Description("Comma-separated statuses to list instead (e.g. 'APPROVED' for claims awaiting payment)")),
	mcp.WithString("category",
		mcp.Description("Only claims in this category"),
		mcp.Enum("TRAVEL", "MEALS", "SUPPLIES", "EQUIPMENT", "SOFTWARE", "TRAINING", "ENTERTAINMENT", "UTILITIES", "OTHER")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of claims to return (default 20, max 200)")),
)

var ToolGetClaim = mcp.NewTool("get_claim",
	mcp.WithDescription(
		"Get the full record of one expense claim, including review decision and payment reference."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("Claim id, e.g. 'EXP-LX2K9Q-ABC123'")),
)

var ToolReviewClaim = mcp.NewTool("review_claim",
	mcp.WithDescription(
		"Approve or reject an expense claim. Rejections require a reason the employee will see. "+
			"Approval does not pay the claim; settlement happens separately."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("Claim id, e.g. 'EXP-LX2K9Q-ABC123'")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("'approve', 'reject', or 'review' to mark the claim as under review"),
		mcp.Enum("approve", "reject", "review")),
	mcp.WithString("reason",
		mcp.Description("Why the claim is rejected. Required when decision is 'reject'.")),
)

var ToolGetClaimStats = mcp.NewTool("get_claim_stats",
	mcp.WithDescription(
		"Get claim counts and USDC totals per status: pending, approved, paid, rejected and cancelled."),
)

var ToolGetTreasuryBalance = mcp.NewTool("get_treasury_balance",
	mcp.WithDescription(
		"Get the company treasury wallet address and its USDC and native gas balances. "+
			"Use before settling to check there are funds to pay approved claims."),
)

var ToolGetEmployeeBalance = mcp.NewTool("get_employee_balance",
	mcp.WithDescription(
		"Get an employee's balance: off-chain ledger credit plus the USDC held in their wallet on chain."),
	mcp.WithString("employee_id",
		mcp.Required(),
		mcp.Description("Employee id")),
)

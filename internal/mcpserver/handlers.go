package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListPendingClaims lists the review queue.
func (h *Handlers) HandleListPendingClaims(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses := req.GetString("status", "PENDING,UNDER_REVIEW")
	category := req.GetString("category", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListClaims(ctx, statuses, category, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list claims: %v", err)), nil
	}

	text, err := formatClaimList(raw, statuses)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claims: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetClaim returns one claim.
func (h *Handlers) HandleGetClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("claim_id", "")
	if id == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}

	raw, err := h.client.GetClaim(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get claim: %v", err)), nil
	}

	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

var decisions = map[string]string{
	"approve": "APPROVED",
	"reject":  "REJECTED",
	"review":  "UNDER_REVIEW",
}

// HandleReviewClaim approves, rejects or starts review of a claim.
func (h *Handlers) HandleReviewClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("claim_id", "")
	if id == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}
	status, ok := decisions[strings.ToLower(req.GetString("decision", ""))]
	if !ok {
		return mcp.NewToolResultError("decision must be 'approve', 'reject' or 'review'"), nil
	}
	reason := strings.TrimSpace(req.GetString("reason", ""))
	if status == "REJECTED" && reason == "" {
		return mcp.NewToolResultError("reason is required to reject a claim"), nil
	}

	raw, err := h.client.TransitionClaim(ctx, id, status, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update claim: %v", err)), nil
	}

	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText("Claim updated.\n\n" + text), nil
}

// HandleGetClaimStats returns per-status totals.
func (h *Handlers) HandleGetClaimStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get claim statistics: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse statistics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTreasuryBalance returns treasury balances.
func (h *Handlers) HandleGetTreasuryBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetTreasuryBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get treasury balance: %v", err)), nil
	}

	var b struct {
		Address     string `json:"address"`
		Initialized bool   `json:"initialized"`
		Native      string `json:"native"`
		USDC        string `json:"usdc"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse treasury balance: %v", err)), nil
	}
	if !b.Initialized {
		return mcp.NewToolResultText("Treasury is not initialized: no signing key is configured, so claims cannot be settled."), nil
	}

	var sb strings.Builder
	sb.WriteString("Treasury:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", b.Address)
	fmt.Fprintf(&sb, "  USDC:    %s\n", b.USDC)
	fmt.Fprintf(&sb, "  Gas:     %s (native)\n", b.Native)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetEmployeeBalance returns one employee's balance.
func (h *Handlers) HandleGetEmployeeBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("employee_id", "")
	if id == "" {
		return mcp.NewToolResultError("employee_id is required"), nil
	}

	raw, err := h.client.GetEmployeeBalance(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}

	var b struct {
		EmployeeID    string `json:"employeeId"`
		WalletAddress string `json:"walletAddress"`
		OffChain      string `json:"offChain"`
		OnChain       string `json:"onChain"`
		Total         string `json:"total"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance for %s:\n", b.EmployeeID)
	fmt.Fprintf(&sb, "  Off-chain: %s USDC\n", b.OffChain)
	if b.WalletAddress != "" {
		fmt.Fprintf(&sb, "  On-chain:  %s USDC (%s)\n", b.OnChain, b.WalletAddress)
	} else {
		sb.WriteString("  On-chain:  no wallet registered\n")
	}
	fmt.Fprintf(&sb, "  Total:     %s USDC\n", b.Total)
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type claimView struct {
	ID              string `json:"id"`
	OwnerID         string `json:"ownerId"`
	OwnerName       string `json:"ownerName"`
	Title           string `json:"title"`
	Amount          string `json:"amount"`
	Category        string `json:"category"`
	Status          string `json:"status"`
	SubmittedAt     string `json:"submittedAt"`
	ProcessedBy     string `json:"processedBy"`
	RejectionReason string `json:"rejectionReason"`
	PaymentRef      string `json:"paymentRef"`
	ExplorerURL     string `json:"explorerUrl"`
}

func (c claimView) owner() string {
	if c.OwnerName != "" {
		return c.OwnerName
	}
	return c.OwnerID
}

func formatClaimList(raw json.RawMessage, statuses string) (string, error) {
	var resp struct {
		Claims []claimView `json:"claims"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Claims) == 0 {
		return fmt.Sprintf("No claims in %s.", statuses), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d claim(s):\n\n", len(resp.Claims))
	for i, c := range resp.Claims {
		fmt.Fprintf(&sb, "%d. %s  %s USDC  [%s] %s\n", i+1, c.ID, c.Amount, c.Status, c.Category)
		fmt.Fprintf(&sb, "   %s by %s, submitted %s\n", c.Title, c.owner(), c.SubmittedAt)
	}
	return sb.String(), nil
}

func formatClaim(raw json.RawMessage) (string, error) {
	var resp struct {
		Claim *claimView `json:"claim"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Claim == nil {
		return "", fmt.Errorf("no claim in response")
	}
	c := resp.Claim

	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim %s: %s\n", c.ID, c.Title)
	fmt.Fprintf(&sb, "  Owner:    %s\n", c.owner())
	fmt.Fprintf(&sb, "  Amount:   %s USDC (%s)\n", c.Amount, c.Category)
	fmt.Fprintf(&sb, "  Status:   %s\n", c.Status)
	if c.ProcessedBy != "" {
		fmt.Fprintf(&sb, "  Decided by: %s\n", c.ProcessedBy)
	}
	if c.RejectionReason != "" {
		fmt.Fprintf(&sb, "  Reason:   %s\n", c.RejectionReason)
	}
	if c.PaymentRef != "" {
		fmt.Fprintf(&sb, "  Payment:  %s\n", c.PaymentRef)
		if c.ExplorerURL != "" {
			fmt.Fprintf(&sb, "  Explorer: %s\n", c.ExplorerURL)
		}
	}
	return sb.String(), nil
}

type bucketView struct {
	Count  int    `json:"count"`
	Amount string `json:"amount"`
}

func formatStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats struct {
			Pending   bucketView `json:"pending"`
			Approved  bucketView `json:"approved"`
			Paid      bucketView `json:"paid"`
			Rejected  bucketView `json:"rejected"`
			Cancelled bucketView `json:"cancelled"`
			Total     bucketView `json:"total"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Stats

	var sb strings.Builder
	sb.WriteString("Claim statistics:\n")
	for _, row := range []struct {
		name string
		b    bucketView
	}{
		{"Pending", s.Pending},
		{"Approved", s.Approved},
		{"Paid", s.Paid},
		{"Rejected", s.Rejected},
		{"Cancelled", s.Cancelled},
		{"Total", s.Total},
	} {
		fmt.Fprintf(&sb, "  %-9s %4d claims  %s USDC\n", row.name+":", row.b.Count, amountOrZero(row.b.Amount))
	}
	return sb.String(), nil
}

func amountOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

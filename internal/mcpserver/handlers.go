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
	client *AgoraClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *AgoraClient) *Handlers {
	return &Handlers{client: client}
}

// HandleSearchAgents finds agents by exact capability.
func (h *Handlers) HandleSearchAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	if capability == "" {
		return mcp.NewToolResultError("capability is required"), nil
	}

	raw, err := h.client.SearchAgents(ctx, capability)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to search agents: %v", err)), nil
	}

	var resp struct {
		Agents []string `json:"agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	if len(resp.Agents) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No agents offer %q.", capability)), nil
	}
	return mcp.NewToolResultText(formatAddressList(
		fmt.Sprintf("Found %d agent(s) offering %q:", len(resp.Agents), capability), resp.Agents, 0)), nil
}

// HandleGetAgent returns an agent profile.
func (h *Handlers) HandleGetAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		return mcp.NewToolResultError("agent_address is required"), nil
	}

	raw, err := h.client.GetAgent(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent: %v", err)), nil
	}

	text, err := formatAgent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agent: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListAgents pages through registered agents.
func (h *Handlers) HandleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offset := req.GetInt("offset", 0)
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListAgents(ctx, offset, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}

	var page struct {
		Items  []string `json:"items"`
		Total  int      `json:"total"`
		Offset int      `json:"offset"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No agents at offset %d (total %d).", page.Offset, page.Total)), nil
	}
	header := fmt.Sprintf("Agents %d-%d of %d:", page.Offset+1, page.Offset+len(page.Items), page.Total)
	return mcp.NewToolResultText(formatAddressList(header, page.Items, page.Offset)), nil
}

// HandleGetEscrow returns one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetContractBalance reports custody.
func (h *Handlers) HandleGetContractBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetContractBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrow custody holds %s (account %s).",
		getString(m, "balance"), getString(m, "custody"))), nil
}

// HandleCreateEscrow locks value for a payee.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payee := req.GetString("payee", "")
	if payee == "" {
		return mcp.NewToolResultError("payee is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	description := req.GetString("description", "")
	if description == "" {
		return mcp.NewToolResultError("description is required"), nil
	}

	raw, err := h.client.CreateEscrow(ctx, payee, amount, description, req.GetInt("expiration_days", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	e, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow created for %s to %s\n"+
			"Escrow ID: %s\n"+
			"Expires: %s\n\n"+
			"Use release_escrow once the work is delivered, or refund_escrow to cancel.",
		amount, payee, getString(e, "id"), getString(e, "expiresAt"))), nil
}

// HandleReleaseEscrow pays the payee.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "release", "released")
}

// HandleRefundEscrow returns value to the payer.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "refund", "refunded")
}

func (h *Handlers) settle(ctx context.Context, req mcp.CallToolRequest, action, past string) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.SettleEscrow(ctx, id, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow %s failed: %v", action, err)), nil
	}

	e, err := extractEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrow %s %s.\nAmount: %s\nStatus: %s",
		id, past, getString(e, "amount"), getString(e, "status"))), nil
}

// HandleDisputeEscrow flags an escrow as disputed.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	if _, err := h.client.DisputeEscrow(ctx, id, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s disputed.\n"+
			"Reason: %s\n"+
			"Status: Funds stay locked in custody.",
		id, reason)), nil
}

// HandleSubmitFeedback rates an agent.
func (h *Handlers) HandleSubmitFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		return mcp.NewToolResultError("agent_address is required"), nil
	}
	rating := req.GetInt("rating", 0)
	if rating < 1 || rating > 5 {
		return mcp.NewToolResultError("rating must be between 1 and 5"), nil
	}

	_, err := h.client.SubmitFeedback(ctx, address, rating,
		req.GetString("comment", ""), req.GetString("payment_ref", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Feedback failed: %v", err)), nil
	}

	// Report the score the rating produced.
	raw, err := h.client.GetAgent(ctx, address)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("Rated %s %d/5.", address, rating)), nil
	}
	var a map[string]any
	_ = json.Unmarshal(raw, &a)
	return mcp.NewToolResultText(fmt.Sprintf("Rated %s %d/5. Trust score is now %s (%s).",
		address, rating, getString(a, "trustScore"), getString(a, "tier"))), nil
}

// --- Formatting helpers ---

func formatAddressList(header string, addrs []string, offset int) string {
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n\n")
	for i, a := range addrs {
		fmt.Fprintf(&sb, "%d. %s\n", offset+i+1, a)
	}
	return sb.String()
}

func formatAgent(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent: %s\n", getString(m, "name"))
	fmt.Fprintf(&sb, "  Address: %s\n", getString(m, "address"))
	if caps, ok := m["capabilities"].([]any); ok && len(caps) > 0 {
		names := make([]string, 0, len(caps))
		for _, c := range caps {
			if s, ok := c.(string); ok {
				names = append(names, s)
			}
		}
		fmt.Fprintf(&sb, "  Capabilities: %s\n", strings.Join(names, ", "))
	}
	if v, ok := getFloat(m, "trustScore"); ok {
		fmt.Fprintf(&sb, "  Trust Score: %.0f/100\n", v)
	}
	if v := getString(m, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier: %s\n", v)
	}
	if v, ok := getFloat(m, "feedbackCount"); ok {
		fmt.Fprintf(&sb, "  Feedback: %.0f\n", v)
	}
	if v, ok := getFloat(m, "successfulTransactions"); ok {
		fmt.Fprintf(&sb, "  Successful Transactions: %.0f\n", v)
	}
	return sb.String(), nil
}

func extractEscrow(raw json.RawMessage) (map[string]any, error) {
	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Escrow == nil || getString(resp.Escrow, "id") == "" {
		return nil, fmt.Errorf("no escrow in response")
	}
	return resp.Escrow, nil
}

func formatEscrow(raw json.RawMessage) (string, error) {
	e, err := extractEscrow(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Payer: %s\n", getString(e, "payer"))
	fmt.Fprintf(&sb, "  Payee: %s\n", getString(e, "payee"))
	fmt.Fprintf(&sb, "  Amount: %s\n", getString(e, "amount"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(e, "status"))
	fmt.Fprintf(&sb, "  Expires: %s\n", getString(e, "expiresAt"))
	if v := getString(e, "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", v)
	}
	if v := getString(e, "description"); v != "" {
		fmt.Fprintf(&sb, "\n%s\n", v)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

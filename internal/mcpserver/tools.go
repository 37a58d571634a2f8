package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Agora MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSearchAgents = mcp.NewTool("search_agents",
	mcp.WithDescription(
		"Find agents that advertise an exact capability (e.g. 'translation'). "+
			"Returns the matching agent addresses in registration order."),
	mcp.WithString("capability",
		mcp.Required(),
		mcp.Description("Capability name, matched exactly")),
)

var ToolGetAgent = mcp.NewTool("get_agent",
	mcp.WithDescription(
		"Get an agent's profile: name, capabilities, trust score (0-100), trust tier "+
			"and transaction counters. Deactivated agents are not found."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address (e.g. '0x1234...')")),
)

var ToolListAgents = mcp.NewTool("list_agents",
	mcp.WithDescription("Page through every registered agent address."),
	mcp.WithNumber("offset",
		mcp.Description("Index of the first agent to return (default 0)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agents to return (default 20)")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Get an escrow's parties, amount, status and expiry."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID (0x-prefixed hex)")),
)

var ToolGetContractBalance = mcp.NewTool("get_contract_balance",
	mcp.WithDescription("Get the total value currently held in escrow custody."),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Lock value for another agent. The amount leaves your balance now and is paid out "+
			"when you release it, or returned if you or the payee refund it or it expires."),
	mcp.WithString("payee",
		mcp.Required(),
		mcp.Description("Payee agent's address")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in base units, as a decimal integer string (e.g. '1000')")),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("What the payment is for (max 500 characters)")),
	mcp.WithNumber("expiration_days",
		mcp.Description("Days until expiry, 1-365 (default 30)")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Pay the payee. Only the payer can release, and only before the escrow expires."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID to release")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription("Return the escrowed value to the payer. Either party can refund an active escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID to refund")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Flag an active escrow as disputed. The value stays locked; disputes are final."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the escrow is disputed (max 500 characters)")),
)

var ToolSubmitFeedback = mcp.NewTool("submit_feedback",
	mcp.WithDescription(
		"Rate another agent from 1 to 5. The rating updates the agent's trust score."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("Address of the agent being rated")),
	mcp.WithNumber("rating",
		mcp.Required(),
		mcp.Description("Rating from 1 (worst) to 5 (best)")),
	mcp.WithString("comment",
		mcp.Description("Optional comment (max 500 characters)")),
	mcp.WithString("payment_ref",
		mcp.Description("Optional 32-byte hex reference to the payment being rated")),
)

package checkmatedto

// Error is a failure as shown to the UI. Kind is network, protocol, illegal_move or user.
type Error struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "checkmate error"
}

type HostRequest struct {
	Username string `json:"username"`
}

// JoinRequest takes either a ticket or an address plus join code.
type JoinRequest struct {
	Username string `json:"username"`
	Ticket   string `json:"ticket,omitempty"`
	Address  string `json:"address,omitempty"`
	JoinCode string `json:"join_code,omitempty"`
}

type MoveRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// Draw request actions.
const (
	DrawOffer   = "offer"
	DrawAccept  = "accept"
	DrawDecline = "decline"
)

type DrawRequest struct {
	Action string `json:"action"`
}

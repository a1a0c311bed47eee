package models

type StatusResponse struct {
	Status CallStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

type InitRequest struct {
	GSID string `json:"gsid"`
}

type InitResponse struct {
	Status CallStatus `json:"status"`
	ID     string     `json:"id"`
	Token  string     `json:"token,omitempty"`
}

// Client is a connected participant as reported by a game server.
type Client struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Bot     bool   `json:"bot,omitempty"`
}

type ConfigureRequest struct {
	GSID    string   `json:"gsid" binding:"required"`
	Clients []Client `json:"clients"`
}

type ConfigureResponse struct {
	Status CallStatus   `json:"status"`
	Config *RoundConfig `json:"config,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type SaveRoundRequest struct {
	GSID        string   `json:"gsid" binding:"required"`
	RoundID     int64    `json:"roundId"`
	StartedDate int64    `json:"startedDate" binding:"required"`
	EndedAt     int64    `json:"endedAt" binding:"required"`
	Players     []Player `json:"players"`
	Winners     []Player `json:"winners"`
}

func (r *SaveRoundRequest) Round() RoundState {
	return RoundState{
		StartedAt: r.StartedDate,
		EndedAt:   r.EndedAt,
		Players:   r.Players,
		Winners:   r.Winners,
	}
}

type SaveRoundResponse struct {
	Status  CallStatus  `json:"status"`
	RoundID int64       `json:"roundId"`
	Result  RoundStatus `json:"result"`
	Error   string      `json:"error,omitempty"`
}

type CheckpointRequest struct {
	GSID               string     `json:"gsid" binding:"required"`
	RoundID            int64      `json:"roundId"`
	Round              RoundState `json:"round"`
	RewardWinnerAmount float64    `json:"rewardWinnerAmount"`
}

type DropRequest struct {
	Feature  string `json:"feature" binding:"required"`
	UnlockAt int64  `json:"unlockAt"`
}

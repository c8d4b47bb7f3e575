package entity

// Status 状态指示：可达性与长连接状态分开上报
type Status struct {
	Connectivity      Connectivity   `json:"connectivity"`
	ConnectivityError string         `json:"connectivityError,omitempty"`
	Channel           ChannelSession `json:"channel"`
	Pending           int            `json:"pending"`
	LastFlush         *FlushResult   `json:"lastFlush,omitempty"`
	Location          *GeoReading    `json:"location,omitempty"`
	LocationError     string         `json:"locationError,omitempty"`
}

package types

// AccountProfile binds this device to one relay server. The token is issued
// by the login flow and presented on the persistent connection and on
// acknowledgement calls.
type AccountProfile struct {
	ServerURL string   `json:"server_url"`
	DeviceID  DeviceID `json:"device_id"`
	Token     string   `json:"token"`
	SavedUTC  int64    `json:"saved_utc"`
}

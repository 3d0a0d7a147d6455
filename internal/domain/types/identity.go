package types

// Identity is the long-lived device signing identity. It proves, during each
// handshake, that this machine took part in the exchange.
type Identity struct {
	DeviceID   DeviceID       `json:"device_id"`
	EdPub      Ed25519Public  `json:"edpub"`
	EdPriv     Ed25519Private `json:"edpriv"`
	CreatedUTC int64          `json:"created_utc"`
}

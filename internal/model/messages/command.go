package messages

// Command is a downlink request delivered on device/{id}/cmd.
type Command struct {
	ID   string `json:"id"`
	Name string `json:"name"` // "reprovision" | "identify"
}

const (
	CommandReprovision = "reprovision"
	CommandIdentify    = "identify"
)

// IdentityReport answers an identify command.
type IdentityReport struct {
	DeviceID  string `json:"device_id"`
	UserID    string `json:"user_id,omitempty"`
	BootID    string `json:"boot_id"`
	WakeCause string `json:"wake_cause"`
}

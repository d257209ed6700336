package chromedriver

// State is the lifecycle state of a chromedriver process.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateOnline     State = "online"
	StateStopping   State = "stopping"
	StateRestarting State = "restarting"
)

func (s State) String() string {
	return string(s)
}

// subscriber is a registered state listener.
type subscriber struct {
	id int
	fn func(State)
}

package protocol

import "fmt"

// Identity identifies one managed server targeted by a rollout.
// It is comparable and used as the key of every per-participant map.
type Identity struct {
	Group  string `json:"group"`
	Host   string `json:"host"`
	Server string `json:"server"`
}

// PathAddress returns the management address of the server.
func (i Identity) PathAddress() Address {
	return Address{
		{Key: "host", Value: i.Host},
		{Key: "server", Value: i.Server},
	}
}

func (i Identity) String() string {
	return fmt.Sprintf("%s:%s/%s", i.Group, i.Host, i.Server)
}

package upnp

// Arg is one named action argument in declared order.
type Arg struct {
	Name  string
	Value string
}

// Args converts ordered arguments into a lookup map.
func Args(args []Arg) map[string]string {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		out[arg.Name] = arg.Value
	}
	return out
}

package core

// Config is runtime configuration for the CLI.
type Config struct {
	// Target is the M-SEARCH target used to find devices by name.
	Target   string
	MX       int
	Aliases  map[string]string
	Defaults Defaults
}

// Defaults defines default device selectors.
type Defaults struct {
	Server   string
	Renderer string
}

package pipeline

// SetNameFunc replaces the artifact name generator.
func SetNameFunc(t *Transcoder, newName func() string) {
	t.newName = newName
}

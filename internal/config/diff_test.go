package config

import "testing"

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()

	old, new := Default(), Default()
	d := Diff(old, new)
	if d.PartialsChanged || d.LogLevelChanged || d.QualityChanged {
		t.Fatalf("Diff() of identical configs = %+v, want all false", d)
	}
}

func TestDiffPartials(t *testing.T) {
	t.Parallel()

	old, new := Default(), Default()
	new.Partials.RolloutPercentage = 50

	d := Diff(old, new)
	if !d.PartialsChanged {
		t.Fatal("Diff() PartialsChanged = false, want true")
	}
	if d.NewPartials.RolloutPercentage != 50 {
		t.Fatalf("Diff() NewPartials.RolloutPercentage = %d, want 50", d.NewPartials.RolloutPercentage)
	}
	if d.LogLevelChanged {
		t.Fatal("Diff() LogLevelChanged = true, want false")
	}
}

func TestDiffLogLevelAndQuality(t *testing.T) {
	t.Parallel()

	old, new := Default(), Default()
	new.Server.LogLevel = LogDebug
	new.Ingest.Quality.EchoThresholdDB = -20

	d := Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Fatalf("Diff() log level = %+v, want changed to debug", d)
	}
	if !d.QualityChanged || d.NewQuality.EchoThresholdDB != -20 {
		t.Fatalf("Diff() quality = %+v, want changed threshold -20", d)
	}
}

package bdd

import (
	"os"
	"testing"

	"github.com/cucumber/godog"
	"github.com/joho/godotenv"
)

func TestMain(m *testing.M) {
	// Load .env.test if present, else .env, so optional overrides (e.g. log
	// verbosity) reach the suite. Scenarios themselves run fully in-memory.
	if _, err := os.Stat(".env.test"); err == nil {
		_ = godotenv.Overload(".env.test")
	} else {
		_ = godotenv.Overload()
	}
	os.Exit(m.Run())
}

func TestFeatures(t *testing.T) {
	world := newShopWorld()

	suite := godog.TestSuite{
		Name: "chatmarket",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			world.registerSteps(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

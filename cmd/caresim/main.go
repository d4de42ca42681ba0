package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/caresim-dev/caresim"
	"github.com/caresim-dev/caresim/internal/llm/provider"
	"github.com/caresim-dev/caresim/internal/scenario"
	"github.com/caresim-dev/caresim/internal/sim"
	"github.com/caresim-dev/caresim/internal/transcript"
	"github.com/caresim-dev/caresim/pkg/archive"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:           "caresim",
	Short:         "Virtual patient training simulator",
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulator HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Printf("Starting caresim v%s", Version)
		return caresim.Run(configFile)
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <scenario-id>",
	Short: "Run a scenario interactively in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		return runChat(configFile, args[0], userID)
	},
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "Inspect the scenario catalog",
}

var scenariosListCmd = &cobra.Command{
	Use:   "list <dir>",
	Short: "List scenarios in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := scenario.NewLoader().LoadDir(args[0])
		if err != nil {
			return err
		}
		for _, id := range catalog.IDs() {
			sc, err := catalog.Get(id)
			if err != nil {
				return err
			}
			fmt.Printf("%-30s %s\n", id, sc.Title)
		}
		return nil
	},
}

var scenariosValidateCmd = &cobra.Command{
	Use:   "validate <file-or-dir>",
	Short: "Validate scenario documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		loader := scenario.NewLoader()
		if !info.IsDir() {
			if _, err := loader.LoadFile(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", args[0])
			return nil
		}
		catalog, err := loader.LoadDir(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d scenarios ok\n", args[0], catalog.Len())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", "config/caresim.yaml"), "Configuration file")
	chatCmd.Flags().String("user", "local", "User id recorded on the archived session")

	scenariosCmd.AddCommand(scenariosListCmd)
	scenariosCmd.AddCommand(scenariosValidateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(scenariosCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runChat drives one session over a line-edited REPL. Assistant
// fragments print as they stream; slash commands reach the evaluator
// and the completion gate.
func runChat(configPath, scenarioID, userID string) error {
	loader := caresim.NewConfigLoader(&caresim.OSFileReader{})
	config, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}

	prov, err := provider.New(config.Provider.Name, config.Provider.Config)
	if err != nil {
		return err
	}
	catalog, err := scenario.NewLoader().LoadDir(config.Scenarios.Dir)
	if err != nil {
		return err
	}
	sc, err := catalog.Get(scenarioID)
	if err != nil {
		return err
	}
	store, err := archive.NewFileStore(config.Archive.BaseDir)
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := sim.NewSession(sim.Config{
		Provider:    prov,
		Model:       config.Provider.Model,
		Temperature: config.Provider.Temperature,
		MaxTokens:   config.Provider.MaxTokens,
		Scenario:    sc,
		UserID:      userID,
		Archive:     store,
	})
	if err != nil {
		return err
	}

	unobserve := session.Transcript().Observe(printEvent)
	defer unobserve()

	ctx := context.Background()
	if err := session.Begin(ctx); err != nil {
		return err
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".caresim_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Println("Commands: /eval /complete /state /quit")
	for {
		input, err := line.Prompt("you> ")
		if err != nil {
			// Ctrl-C or EOF ends the session without archiving.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "/quit":
			return nil
		case "/state":
			printState(session.State())
			continue
		case "/eval":
			result, err := session.Evaluate(ctx, nil)
			if err != nil {
				fmt.Printf("evaluation failed: %v\n", err)
				continue
			}
			printEvaluation(result)
			continue
		case "/complete":
			completed, err := session.Complete(ctx, confirmPrompt(line))
			if err != nil {
				fmt.Printf("archive: %v\n", err)
			}
			if completed {
				fmt.Println("session completed")
				return nil
			}
			continue
		}

		if err := session.Send(ctx, input); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func printEvent(ev transcript.Event) {
	switch ev.Kind {
	case transcript.EventAppend:
		if ev.Role == transcript.RoleTool {
			fmt.Printf("[tool result] %s\n", ev.Text)
		}
	case transcript.EventFragment:
		if ev.Role == transcript.RoleAssistant {
			fmt.Print(ev.Text)
		}
	case transcript.EventClose:
		if ev.Role == transcript.RoleAssistant {
			fmt.Println()
		}
	}
}

func printState(st sim.State) {
	fmt.Printf("session %s  scenario=%s  mode=%s  turns=%d  elapsed=%s  eval=%s  completion=%s\n",
		st.ID, st.ScenarioID, st.Mode, st.Turns,
		(time.Duration(st.ElapsedSeconds) * time.Second).String(),
		st.Evaluation, st.Completion)
}

func printEvaluation(result *sim.Evaluation) {
	for _, section := range result.Sections {
		fmt.Printf("\n%s\n", section.Title)
		for _, task := range section.Tasks {
			score := "-"
			if task.Score != nil {
				score = fmt.Sprintf("%.1f", *task.Score)
			}
			fmt.Printf("  %-40s %s\n", task.Title, score)
			for _, item := range task.FeedbackItems {
				fmt.Printf("    - %s\n", item)
			}
		}
	}
	if result.OverallScore != nil && result.TotalPossibleScore != nil {
		fmt.Printf("\noverall: %.1f / %.1f\n", *result.OverallScore, *result.TotalPossibleScore)
	}
	for _, item := range result.Summary {
		fmt.Printf("%s\n", item)
	}
}

func confirmPrompt(line *liner.State) sim.Confirmer {
	return func(ctx context.Context) bool {
		answer, err := line.Prompt("complete session and archive? [y/N] ")
		if err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

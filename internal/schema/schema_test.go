package schema

import (
	"testing"

	"github.com/ggonzalez94/agent-funding/internal/policy"
	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "fundctl"}
	root.PersistentFlags().Bool("json", false, "Output JSON")
	bridge := &cobra.Command{Use: "bridge", Short: "bridge cmds"}
	execute := &cobra.Command{
		Use:         "execute",
		Short:       "execute a quote",
		Annotations: map[string]string{policy.MutatingAnnotation: "true"},
		Run:         func(*cobra.Command, []string) {},
	}
	execute.Flags().String("quote-id", "", "quote to execute")
	_ = execute.MarkFlagRequired("quote-id")
	quote := &cobra.Command{Use: "quote", Short: "quote shortfalls", Run: func(*cobra.Command, []string) {}}
	bridge.AddCommand(quote, execute)
	root.AddCommand(bridge)

	s, err := Build(root, "bridge execute")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "fundctl bridge execute" || !s.Mutating {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "quote-id" || !s.Flags[0].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if len(s.GlobalFlags) != 1 || s.GlobalFlags[0].Name != "json" {
		t.Fatalf("unexpected global flags: %+v", s.GlobalFlags)
	}

	tree, err := Build(root, "bridge")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(tree.Subcommands) != 2 || tree.Subcommands[0].Path != "fundctl bridge execute" || tree.Subcommands[1].Mutating {
		t.Fatalf("unexpected subcommands: %+v", tree.Subcommands)
	}
	if _, err := Build(root, "bridge nope"); err == nil {
		t.Fatal("expected unknown command error")
	}
}

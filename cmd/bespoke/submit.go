package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openforcefield/bespoke-executor/pkg/client"
	"github.com/openforcefield/bespoke-executor/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a molecule for bespoke parameterization",
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().String("file", "", "path to a file containing the molecule (SMILES, one per first line)")
	submitCmd.Flags().String("smiles", "", "molecule as a SMILES string")
	submitCmd.Flags().String("workflow", "", "named built-in workflow template")
	submitCmd.Flags().String("workflow-file", "", "path to a full workflow document (YAML or JSON)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	fileFlag, _ := cmd.Flags().GetString("file")
	smiles, _ := cmd.Flags().GetString("smiles")
	workflowName, _ := cmd.Flags().GetString("workflow")
	workflowFile, _ := cmd.Flags().GetString("workflow-file")

	wf, err := resolveWorkflow(workflowName, workflowFile)
	if err != nil {
		return withExit(exitUserError, err)
	}

	molecule, err := resolveMolecule(fileFlag, smiles)
	if err != nil {
		return withExit(exitUserError, err)
	}
	if molecule != "" {
		wf.Molecule = molecule
	}
	if wf.Molecule == "" {
		return withExit(exitUserError, fmt.Errorf("a molecule is required: pass --smiles, --file, or a --workflow-file that already sets one"))
	}

	bind, _ := cmd.Flags().GetString("bind")
	c := client.New(bind)
	results, err := c.Submit(context.Background(), []any{wf})
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("submitted %d (%s)\n", r.ID, r.Self)
	}
	return nil
}

func resolveWorkflow(name, file string) (types.Workflow, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return types.Workflow{}, fmt.Errorf("read workflow file: %w", err)
		}
		var wf types.Workflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return types.Workflow{}, fmt.Errorf("parse workflow file: %w", err)
		}
		return wf, nil
	case name != "":
		wf, ok := workflowTemplates[name]
		if !ok {
			return types.Workflow{}, fmt.Errorf("unknown workflow template %q", name)
		}
		return wf, nil
	default:
		return types.Workflow{}, fmt.Errorf("one of --workflow or --workflow-file is required")
	}
}

func resolveMolecule(file, smiles string) (string, error) {
	if smiles != "" {
		return smiles, nil
	}
	if file == "" {
		return "", nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read molecule file: %w", err)
	}
	lines := strings.SplitN(string(data), "\n", 2)
	return strings.TrimSpace(lines[0]), nil
}


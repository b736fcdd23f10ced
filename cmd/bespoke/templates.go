package main

import "github.com/openforcefield/bespoke-executor/pkg/types"

// workflowTemplates holds the named workflow skeletons `submit
// --workflow <name>` can select, filling in everything but the
// molecule. New templates are added here as the supported chemistry
// methods grow.
var workflowTemplates = map[string]types.Workflow{
	"default": {
		Name: "default",
		Fragmenter: types.FragmenterSpec{
			Kind: "whole-molecule",
			QCSpecs: []types.QCSpec{
				{Method: "b3lyp-d3bj", Basis: "dzvp", Program: "psi4", CalculationKind: "optimization"},
			},
		},
		Optimizer: types.OptimizerSpec{
			InitialForceField: "openff-2.2.0",
			Targets:           []string{"vdw", "bonds", "angles", "torsions"},
		},
	},
}

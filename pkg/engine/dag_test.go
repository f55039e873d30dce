package engine

import (
	"reflect"
	"strings"
	"testing"
)

func build(t *testing.T, tasks map[string][]string, order ...string) (*DAGBuilder, [][]string) {
	t.Helper()
	builder := NewDAGBuilder()
	for _, name := range order {
		if err := builder.Add(name, tasks[name]...); err != nil {
			t.Fatalf("Add(%s) failed: %v", name, err)
		}
	}
	levels, err := builder.Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return builder, levels
}

func TestDAGBuilder_Empty(t *testing.T) {
	builder := NewDAGBuilder()
	levels, err := builder.Build()
	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if len(levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(levels))
	}
	if len(builder.Order()) != 0 {
		t.Errorf("Expected empty order, got %v", builder.Order())
	}
}

func TestDAGBuilder_KeepsFileOrderWithoutNeeds(t *testing.T) {
	builder, levels := build(t, nil, "kernel", "env", "layout")

	if len(levels) != 1 {
		t.Fatalf("Expected 1 level, got %d", len(levels))
	}
	want := []string{"kernel", "env", "layout"}
	if got := builder.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}
}

func TestDAGBuilder_LinearDependencies(t *testing.T) {
	builder, levels := build(t, map[string][]string{
		"restore":  {"fetch"},
		"services": {"restore"},
	}, "services", "restore", "fetch")

	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	want := []string{"fetch", "restore", "services"}
	if got := builder.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}
}

func TestDAGBuilder_DiamondDependencies(t *testing.T) {
	builder, levels := build(t, map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"c", "b"},
	}, "a", "c", "b", "d")

	want := [][]string{{"a"}, {"c", "b"}, {"d"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("Expected levels %v, got %v", want, levels)
	}

	if got := builder.Dependents("a"); !reflect.DeepEqual(got, []string{"c", "b", "d"}) {
		t.Errorf("Expected all tasks to depend on a, got %v", got)
	}
	if got := builder.Dependents("b"); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("Expected d to depend on b, got %v", got)
	}
	if got := builder.Dependents("d"); len(got) != 0 {
		t.Errorf("Expected no dependents of d, got %v", got)
	}
}

func TestDAGBuilder_DetectCycles(t *testing.T) {
	builder := NewDAGBuilder()
	_ = builder.Add("a", "c")
	_ = builder.Add("b", "a")
	_ = builder.Add("c", "b")

	_, err := builder.Build()
	if err == nil {
		t.Fatal("Expected error for circular dependency")
	}
	if !IsValidation(err) {
		t.Errorf("Expected validation error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected cycle in message, got: %v", err)
	}
}

func TestDAGBuilder_SelfDependency(t *testing.T) {
	builder := NewDAGBuilder()
	_ = builder.Add("a", "a")

	_, err := builder.Build()
	if err == nil {
		t.Fatal("Expected error for self dependency")
	}
	engineErr, ok := err.(*EngineError)
	if !ok || engineErr.Code != ErrCodeCycle {
		t.Errorf("Expected %s error, got: %v", ErrCodeCycle, err)
	}
}

func TestDAGBuilder_InvalidDependency(t *testing.T) {
	builder := NewDAGBuilder()
	_ = builder.Add("a", "missing")

	_, err := builder.Build()
	if err == nil {
		t.Fatal("Expected error for unknown dependency")
	}
	engineErr, ok := err.(*EngineError)
	if !ok || engineErr.Code != ErrCodeNotFound {
		t.Errorf("Expected %s error, got: %v", ErrCodeNotFound, err)
	}
	if engineErr != nil && engineErr.Resource != "a" {
		t.Errorf("Expected resource a, got %q", engineErr.Resource)
	}
}

func TestDAGBuilder_DuplicateNames(t *testing.T) {
	builder := NewDAGBuilder()
	if err := builder.Add("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := builder.Add("a"); err == nil {
		t.Error("Expected error for duplicate name")
	}
	if err := builder.Add(""); err == nil {
		t.Error("Expected error for empty name")
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder, _ := build(t, map[string][]string{"b": {"a"}}, "a", "b")

	dot := builder.ToDOT()
	for _, want := range []string{
		"digraph tasks {",
		"cluster_level_0",
		"cluster_level_1",
		`"a" -> "b";`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}

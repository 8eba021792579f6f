package skills

import (
	"context"
	"errors"
	"testing"
)

func TestExecute_UnknownSkillReturnsErrSkillUnavailable(t *testing.T) {
	r := NewEmptyRegistry()
	r.Register(&Skill{
		Name: "known_skill",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "ok", nil
		},
	})

	_, err := r.Execute(context.Background(), "nonexistent_skill", "")
	if err == nil {
		t.Fatal("Execute on unknown skill should return error")
	}
	var unavail *ErrSkillUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("error type = %T, want *ErrSkillUnavailable", err)
	}
	if unavail.SkillName != "nonexistent_skill" {
		t.Errorf("SkillName = %q, want %q", unavail.SkillName, "nonexistent_skill")
	}
}

func TestExecute_KnownSkillPassesArgs(t *testing.T) {
	r := NewEmptyRegistry()
	var gotArg string
	r.Register(&Skill{
		Name: "echo",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			gotArg, _ = args["text"].(string)
			return gotArg, nil
		},
	})

	result, err := r.Execute(context.Background(), "echo", `{"text":"hello"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "hello" || gotArg != "hello" {
		t.Errorf("result = %q, gotArg = %q, want %q", result, gotArg, "hello")
	}
}

func TestFilteredCopyKeepsOnlyNamed(t *testing.T) {
	r := NewEmptyRegistry()
	r.Register(&Skill{Name: "a", Handler: noop})
	r.Register(&Skill{Name: "b", Handler: noop})
	r.Register(&Skill{Name: "c", Handler: noop})

	filtered := r.FilteredCopy([]string{"a", "c", "nonexistent"})
	if filtered.Get("a") == nil || filtered.Get("c") == nil {
		t.Error("filtered copy missing requested skills")
	}
	if filtered.Get("b") != nil {
		t.Error("filtered copy should not contain unrequested skill")
	}
}

func TestFilteredCopyExcludingDropsNamed(t *testing.T) {
	r := NewEmptyRegistry()
	r.Register(&Skill{Name: "a", Handler: noop})
	r.Register(&Skill{Name: "b", Handler: noop})

	filtered := r.FilteredCopyExcluding([]string{"a"})
	if filtered.Get("a") != nil {
		t.Error("excluded skill should be absent")
	}
	if filtered.Get("b") == nil {
		t.Error("non-excluded skill should remain")
	}
}

func noop(_ context.Context, _ map[string]any) (string, error) {
	return "", nil
}

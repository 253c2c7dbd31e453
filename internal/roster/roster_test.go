package roster_test

import (
	"testing"

	"github.com/MrWong99/cadence/internal/roster"
	"github.com/MrWong99/cadence/pkg/types"
)

func TestRoster_Role(t *testing.T) {
	t.Parallel()

	r := roster.New(types.RoleExternal)
	r.Set("op", types.RoleInternal)
	r.Set("bot", types.RoleAgent)

	tests := []struct {
		speaker types.SpeakerID
		want    types.Role
	}{
		{"op", types.RoleInternal},
		{"bot", types.RoleAgent},
		{"stranger", types.RoleExternal},
	}
	for _, tc := range tests {
		got, ok := r.Role(tc.speaker)
		if !ok {
			t.Fatalf("%s: want a role, got none", tc.speaker)
		}
		if got != tc.want {
			t.Fatalf("%s: want %s, got %s", tc.speaker, tc.want, got)
		}
	}
}

func TestRoster_NoDefault(t *testing.T) {
	t.Parallel()

	r := roster.New("")
	if _, ok := r.Role("stranger"); ok {
		t.Fatal("want unknown role without a default")
	}

	r.Set("stranger", types.RoleExternal)
	if role, ok := r.Role("stranger"); !ok || role != types.RoleExternal {
		t.Fatalf("want external after Set, got %q (ok=%v)", role, ok)
	}

	r.Remove("stranger")
	if _, ok := r.Role("stranger"); ok {
		t.Fatal("want unknown role after Remove")
	}
}

func TestRoster_SpeakersIsACopy(t *testing.T) {
	t.Parallel()

	r := roster.New(types.RoleExternal)
	r.Set("op", types.RoleInternal)

	m := r.Speakers()
	m["op"] = types.RoleExternal
	if role, _ := r.Role("op"); role != types.RoleInternal {
		t.Fatalf("mutating the returned map changed the roster: %s", role)
	}
}

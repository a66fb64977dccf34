package channels

import "testing"

func TestAccessPolicyAllows(t *testing.T) {
	paired := func(sender string) bool { return sender == "300|paireduser" }

	tests := []struct {
		name   string
		policy AccessPolicy
		event  Event
		want   bool
	}{
		{
			name:   "open dm allows anyone",
			policy: AccessPolicy{DM: DMPolicyOpen},
			event:  Event{SenderID: "100|alice"},
			want:   true,
		},
		{
			name:   "disabled dm drops everyone",
			policy: AccessPolicy{DM: DMPolicyDisabled},
			event:  Event{SenderID: "100|alice"},
			want:   false,
		},
		{
			name:   "dm allowlist by id",
			policy: AccessPolicy{DM: DMPolicyAllowlist, AllowFrom: []string{"100"}},
			event:  Event{SenderID: "100|alice"},
			want:   true,
		},
		{
			name:   "dm allowlist by username",
			policy: AccessPolicy{DM: DMPolicyAllowlist, AllowFrom: []string{"@alice"}},
			event:  Event{SenderID: "100|alice"},
			want:   true,
		},
		{
			name:   "dm allowlist rejects stranger",
			policy: AccessPolicy{DM: DMPolicyAllowlist, AllowFrom: []string{"100"}},
			event:  Event{SenderID: "200|bob"},
			want:   false,
		},
		{
			name:   "pairing admits paired sender not on list",
			policy: AccessPolicy{DM: DMPolicyPairing, AllowFrom: []string{"100"}, Paired: paired},
			event:  Event{SenderID: "300|paireduser"},
			want:   true,
		},
		{
			name:   "pairing falls back to allowlist",
			policy: AccessPolicy{DM: DMPolicyPairing, AllowFrom: []string{"100"}, Paired: paired},
			event:  Event{SenderID: "100|alice"},
			want:   true,
		},
		{
			name:   "pairing rejects unpaired unlisted sender",
			policy: AccessPolicy{DM: DMPolicyPairing, AllowFrom: []string{"100"}, Paired: paired},
			event:  Event{SenderID: "200|bob"},
			want:   false,
		},
		{
			name:   "group open",
			policy: AccessPolicy{Group: GroupPolicyOpen},
			event:  Event{Group: true, SenderID: "200|bob"},
			want:   true,
		},
		{
			name:   "group disabled",
			policy: AccessPolicy{Group: GroupPolicyDisabled},
			event:  Event{Group: true, SenderID: "100|alice"},
			want:   false,
		},
		{
			name:   "group allowlist matches room id",
			policy: AccessPolicy{Group: GroupPolicyAllowlist, AllowFrom: []string{"-1009"}},
			event:  Event{Group: true, RoomID: "-1009", SenderID: "200|bob"},
			want:   true,
		},
		{
			name:   "group allowlist matches sender",
			policy: AccessPolicy{Group: GroupPolicyAllowlist, AllowFrom: []string{"@alice"}},
			event:  Event{Group: true, RoomID: "-1009", SenderID: "100|alice"},
			want:   true,
		},
		{
			name:   "group allowlist rejects both unknown",
			policy: AccessPolicy{Group: GroupPolicyAllowlist, AllowFrom: []string{"-1001"}},
			event:  Event{Group: true, RoomID: "-1009", SenderID: "200|bob"},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Allows(tt.event); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowedCompoundForms(t *testing.T) {
	tests := []struct {
		name   string
		list   []string
		sender string
		want   bool
	}{
		{"empty list allows all", nil, "100|alice", true},
		{"exact compound", []string{"100|alice"}, "100|alice", true},
		{"bare id vs compound sender", []string{"100"}, "100|alice", true},
		{"bare username vs compound sender", []string{"alice"}, "100|alice", true},
		{"at-prefixed username", []string{"@alice"}, "100|alice", true},
		{"compound entry vs bare id", []string{"100|alice"}, "100", true},
		{"no match", []string{"999", "@carol"}, "100|alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allowed(tt.list, tt.sender); got != tt.want {
				t.Errorf("allowed(%v, %q) = %v, want %v", tt.list, tt.sender, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	got := Truncate("a very long session identifier", 10)
	if len(got) > 13 {
		t.Errorf("Truncate did not shorten: %q", got)
	}
}

func TestPendingHistory(t *testing.T) {
	h := NewPendingHistory()

	if got := h.Drain("room"); got != "" {
		t.Errorf("empty drain = %q, want empty", got)
	}

	h.Add("room", "alice", "hello")
	h.Add("room", "bob", "hi there")
	h.Add("other", "carol", "unrelated")

	got := h.Drain("room")
	want := "[Recent group messages]\nalice: hello\nbob: hi there"
	if got != want {
		t.Errorf("Drain() = %q, want %q", got, want)
	}
	if again := h.Drain("room"); again != "" {
		t.Errorf("second drain = %q, want empty", again)
	}
	if other := h.Drain("other"); other == "" {
		t.Error("other room buffer lost")
	}
}

func TestPendingHistoryEvictsOldest(t *testing.T) {
	h := NewPendingHistory()
	for i := 0; i < pendingHistoryCap+10; i++ {
		h.Add("room", "alice", "msg")
	}
	h.Add("room", "bob", "latest")

	got := h.Drain("room")
	lines := 1
	for _, c := range got {
		if c == '\n' {
			lines++
		}
	}
	// header + capped buffer
	if lines != pendingHistoryCap+1 {
		t.Errorf("drained %d lines, want %d", lines, pendingHistoryCap+1)
	}
	if got[len(got)-len("bob: latest"):] != "bob: latest" {
		t.Errorf("newest line missing from %q", got[len(got)-30:])
	}
}

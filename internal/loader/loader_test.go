package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/store"
	adsync "github.com/xtxerr/adsync/internal/sync"
)

const baseConfig = `
log:
  level: debug
source:
  dsn: /var/lib/adsync/cerebrum.duckdb
  keyring: /etc/adsync/age.key
directory:
  url: ldaps://dc1.example.org
  bind_dn: CN=adsync,OU=Service,DC=example,DC=org
  password: ${ADSYNC_TEST_BIND_PASSWORD}
  rate_limit: 20
  agent:
    addr: dc1.example.org:7100
    max_message_size: 1MB
report:
  textfile_dir: /var/lib/node_exporter
notify:
  smtp:
    addr: smtp.example.org:25
    from: adsync@example.org
    to: [ad-admins@example.org]
include:
  - conf.d/*.yaml
sync_types:
  ad_user:
    kind: user
    target_spread: AD_account
    search_ou: OU=Users,DC=example,DC=org
    handle_unknown_objects: [move, "OU=Graveyard,DC=example,DC=org"]
    handle_deactivated_objects: disable
    move_objects: true
    store_sid: true
    attributes:
      - name: SamAccountName
        source: callback
        callback: entity_name
      - name: mail
        source: mail
        kind: primary
      - name: telephoneNumber
        source: contact
        types: [PHONE]
        source_systems: [SAP]
    quicksync:
      stale_age: 720h
      types: ["spread:add", "account_password:set"]
`

const groupInclude = `
sync_types:
  ad_group:
    kind: group
    target_spread: AD_group
    search_ou: OU=Groups,DC=example,DC=org
    handle_unknown_objects:
      action: delete
    group:
      member_account_spread: AD_account
      member_account_ou: OU=Users,DC=example,DC=org
      person_primary_account: true
    attributes:
      - name: member
        source: member
  ad_froup:
    kind: froup
    search_ou: OU=Froups,DC=example,DC=org
    froup:
      account_spread: AD_account
      grace_period: 168h
      rules:
        - name: students
          affiliation: STUDENT
        - name: newsletter
          consent: newsletter
`

func writeConfig(t *testing.T, main string, includes map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "adsync.yaml")
	if err := os.WriteFile(path, []byte(main), 0600); err != nil {
		t.Fatal(err)
	}
	if len(includes) > 0 {
		if err := os.MkdirAll(filepath.Join(dir, "conf.d"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range includes {
		if err := os.WriteFile(filepath.Join(dir, "conf.d", name), []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("ADSYNC_TEST_BIND_PASSWORD", "hunter2")
	path := writeConfig(t, baseConfig, map[string]string{"groups.yaml": groupInclude})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Directory.Password != "hunter2" {
		t.Errorf("Directory.Password = %q, want expanded env value", cfg.Directory.Password)
	}
	if cfg.Directory.Agent.MaxMessageSize.Bytes() != 1024*1024 {
		t.Errorf("MaxMessageSize = %d, want 1MB", cfg.Directory.Agent.MaxMessageSize)
	}
	if cfg.Source.QueryTimeout.Duration() != time.Minute {
		t.Errorf("QueryTimeout = %v, want default 1m", cfg.Source.QueryTimeout.Duration())
	}
	if got := strings.Join(cfg.SyncTypeNames(), ","); got != "ad_froup,ad_group,ad_user" {
		t.Errorf("SyncTypeNames() = %s", got)
	}

	user := cfg.SyncTypes["ad_user"]
	want := Policy{Action: adsync.PolicyMove, Detail: "OU=Graveyard,DC=example,DC=org"}
	if user.HandleUnknown != want {
		t.Errorf("HandleUnknown = %+v, want %+v", user.HandleUnknown, want)
	}
	if user.HandleDeactivated.Action != adsync.PolicyDisable {
		t.Errorf("HandleDeactivated = %+v, want disable", user.HandleDeactivated)
	}
	if cfg.SyncTypes["ad_group"].HandleUnknown.Action != adsync.PolicyDelete {
		t.Errorf("ad_group HandleUnknown = %+v, want delete", cfg.SyncTypes["ad_group"].HandleUnknown)
	}
}

func TestBuild(t *testing.T) {
	path := writeConfig(t, baseConfig, map[string]string{"groups.yaml": groupInclude})
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	st, err := cfg.Build("ad_user", []string{"bob"})
	if err != nil {
		t.Fatalf("Build(ad_user) error = %v", err)
	}
	if _, ok := st.Kind.(adsync.UserKind); !ok {
		t.Errorf("Kind = %T, want UserKind", st.Kind)
	}
	if len(st.Config.Attributes) != 3 || !st.Config.Attributes.Has("telephoneNumber") {
		t.Errorf("Attributes = %v", st.Config.Attributes.Names())
	}
	if len(st.Config.Subset) != 1 || st.Config.Subset[0] != "bob" {
		t.Errorf("Subset = %v, want [bob]", st.Config.Subset)
	}
	if st.StaleAge != 720*time.Hour {
		t.Errorf("StaleAge = %v, want 720h", st.StaleAge)
	}
	if len(st.EventTypes) != 2 || st.EventTypes[1] != store.EventAccountPassword {
		t.Errorf("EventTypes = %v", st.EventTypes)
	}

	grp, err := cfg.Build("ad_group", nil)
	if err != nil {
		t.Fatalf("Build(ad_group) error = %v", err)
	}
	gk, ok := grp.Kind.(adsync.GroupKind)
	if !ok || gk.MemberAccountSpread != "AD_account" || !gk.PersonPrimaryAccount {
		t.Errorf("Kind = %+v, want configured GroupKind", grp.Kind)
	}

	froup, err := cfg.Build("ad_froup", nil)
	if err != nil {
		t.Fatalf("Build(ad_froup) error = %v", err)
	}
	fk, ok := froup.Kind.(adsync.FroupKind)
	if !ok || len(fk.Rules) != 2 || fk.GracePeriod != 168*time.Hour {
		t.Errorf("Kind = %+v, want configured FroupKind", froup.Kind)
	}

	if _, err := cfg.Build("ad_nothing", nil); !errors.IsNotFound(err) {
		t.Errorf("Build(ad_nothing) error = %v, want not found", err)
	}
}

func TestLoad_CollectsAllProblems(t *testing.T) {
	bad := `
log:
  format: xml
directory:
  url: ""
sync_types:
  ad_user:
    kind: user
    search_ou: OU=Users,DC=example,DC=org
    case_policy: shout
    attributes:
      - name: title
        source: callback
        callback: no_such_callback
  ad_host:
    kind: printer
    search_ou: OU=Hosts,DC=example,DC=org
  ad_froup:
    kind: froup
    search_ou: OU=Froups,DC=example,DC=org
    group:
      member_account_spread: AD_account
`
	_, err := Load(writeConfig(t, bad, nil))
	if err == nil {
		t.Fatal("Load() error = nil, want validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"log.format",
		"directory.url",
		"sync_types.ad_user",
		"no_such_callback",
		"unknown kind \"printer\"",
		"only allowed on kind group",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	cfg := strings.Replace(baseConfig, "rate_limit: 20", "rate_limt: 20", 1)
	if _, err := Load(writeConfig(t, cfg, nil)); err == nil || !strings.Contains(err.Error(), "rate_limt") {
		t.Errorf("Load() error = %v, want unknown field rate_limt", err)
	}
}

func TestLoad_DuplicateIncludedSyncType(t *testing.T) {
	dup := "sync_types:\n  ad_user:\n    kind: user\n    search_ou: OU=Other\n"
	_, err := Load(writeConfig(t, baseConfig, map[string]string{"dup.yaml": dup}))
	if !errors.IsAlreadyExists(err) {
		t.Errorf("Load() error = %v, want already exists", err)
	}
}

func TestPolicy_Forms(t *testing.T) {
	tests := []struct {
		yaml    string
		want    Policy
		wantErr bool
	}{
		{"p: ignore", Policy{Action: adsync.PolicyIgnore}, false},
		{"p: Disable", Policy{Action: adsync.PolicyDisable}, false},
		{"p: move:OU=Old", Policy{Action: adsync.PolicyMove, Detail: "OU=Old"}, false},
		{"p: [move, \"OU=Old,DC=x\"]", Policy{Action: adsync.PolicyMove, Detail: "OU=Old,DC=x"}, false},
		{"p: {action: delete}", Policy{Action: adsync.PolicyDelete}, false},
		{"p: move", Policy{}, true},
		{"p: [explode]", Policy{}, true},
		{"p: [move, a, b]", Policy{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.yaml, func(t *testing.T) {
			var out struct {
				P Policy `yaml:"p"`
			}
			err := decode([]byte(tt.yaml), &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && out.P != tt.want {
				t.Errorf("policy = %+v, want %+v", out.P, tt.want)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"512", 512},
		{"10B", 10},
		{"4KB", 4096},
		{"4mb", 4 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := parseByteSize(tt.in)
		if err != nil {
			t.Errorf("parseByteSize(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLoad_RejectsBadNames(t *testing.T) {
	bad := `
source:
  dsn: /tmp/x.duckdb
directory:
  url: ldaps://dc1.example.org
sync_types:
  ad.user:
    kind: user
    target_spread: AD_account
    search_ou: Users
    handle_unknown_objects: [move, "Graveyard"]
    attributes:
      - name: given_name
        source: name
        variants: [FIRST]
`
	_, err := Load(writeConfig(t, bad, nil))
	if err == nil {
		t.Fatal("Load() error = nil, want validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"sync_types.ad.user",
		"search_ou",
		"handle_unknown_objects",
		"given_name",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

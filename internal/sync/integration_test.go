package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/directory"
	"github.com/hitoshi/groupsync/internal/model"
	"github.com/hitoshi/groupsync/internal/reconcile"
)

// fakeProviders はRosterDirectory/CredentialProbeと
// reconcile側の両サービスをまとめたフェイク。
type fakeProviders struct {
	peopleByRole map[string][]model.RosterPerson
	accounts     map[string]*model.Account
	groups       map[string]*model.Group
	members      map[string]map[string]bool // groupID → メールアドレス集合
	nextGroupID  int

	// 状態が実際に変化した操作の数
	addedMembers   int
	removedMembers int
	createdGroups  int
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{
		peopleByRole: make(map[string][]model.RosterPerson),
		accounts:     make(map[string]*model.Account),
		groups:       make(map[string]*model.Group),
		members:      make(map[string]map[string]bool),
	}
}

func (f *fakeProviders) ListUsersByRole(ctx context.Context, roleName string) ([]model.RosterPerson, error) {
	return f.peopleByRole[roleName], nil
}

func (f *fakeProviders) Me(ctx context.Context) (*model.RosterPerson, error) {
	return &model.RosterPerson{ID: 999}, nil
}

func (f *fakeProviders) GetUser(ctx context.Context, id int64) (*model.RosterPerson, error) {
	for _, people := range f.peopleByRole {
		for i := range people {
			if people[i].ID == id {
				return &people[i], nil
			}
		}
	}
	return nil, &model.ProviderError{Kind: model.KindNotFound, Provider: "roster"}
}

func (f *fakeProviders) UpdateEmail(ctx context.Context, id int64, email string) error {
	return nil
}

func (f *fakeProviders) FindAccount(ctx context.Context, q directory.AccountQuery) (*model.Account, error) {
	return f.accounts[q.String()], nil
}

func (f *fakeProviders) CreateAccount(ctx context.Context, acct directory.NewAccount) (*model.Account, error) {
	created := &model.Account{ID: "acct-" + acct.PrimaryEmail, PrimaryEmail: acct.PrimaryEmail}
	f.accounts[directory.ByEmail(acct.PrimaryEmail).String()] = created
	return created, nil
}

func (f *fakeProviders) FindGroup(ctx context.Context, email string) (*model.Group, error) {
	return f.groups[email], nil
}

func (f *fakeProviders) FindGroups(ctx context.Context, namePrefix string) ([]model.Group, error) {
	var out []model.Group
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeProviders) CreateGroup(ctx context.Context, spec model.GroupSpec, perms model.GroupPermissions) (*model.Group, error) {
	f.nextGroupID++
	group := &model.Group{
		ID:    fmt.Sprintf("g-%d", f.nextGroupID),
		Email: spec.Email,
		Name:  spec.Name,
	}
	f.groups[spec.Email] = group
	f.members[group.ID] = make(map[string]bool)
	f.createdGroups++
	return group, nil
}

func (f *fakeProviders) AddMember(ctx context.Context, groupID, email string) (bool, error) {
	if f.members[groupID] == nil {
		f.members[groupID] = make(map[string]bool)
	}
	if f.members[groupID][email] {
		return false, nil
	}
	f.members[groupID][email] = true
	f.addedMembers++
	return true, nil
}

func (f *fakeProviders) RemoveMember(ctx context.Context, groupID, email string) (bool, error) {
	if !f.members[groupID][email] {
		return false, nil
	}
	delete(f.members[groupID], email)
	f.removedMembers++
	return true, nil
}

func (f *fakeProviders) ListOrgUnits(ctx context.Context, path string) ([]model.OrgUnit, error) {
	return nil, nil
}

// TestRunner_JaneDoeScenario は1人の生徒を持つロスターから
// グループ作成とメンバー追加まで一気通貫で検証する。
func TestRunner_JaneDoeScenario(t *testing.T) {
	providers := newFakeProviders()
	providers.peopleByRole["Student"] = []model.RosterPerson{
		{
			ID:        1,
			FirstName: "Jane",
			LastName:  "Doe",
			Email:     "jane@school.org",
			Roles:     []model.Role{{Name: "Student"}},
			GradYear:  "2025",
		},
	}
	providers.accounts[directory.ByEmail("jane@school.org").String()] = &model.Account{
		ID: "u1", PrimaryEmail: "jane.doe25@domain.com",
	}

	cfg := &config.Config{
		DirectoryDomain:    "domain.com",
		StudentRole:        "Student",
		StudentGroupPrefix: "students",
		StudentGroupName:   "Class of",
	}

	students := reconcile.NewStudentReconciler(providers, providers, cfg, testLogger())

	runner := NewRunner(
		providers,
		NewRoleSync(providers, testLogger(), 4),
		[]Pass{{Role: "Student", Reconciler: students}},
		nil,
		config.ReportOnError,
		newTestCollector(),
		testLogger(),
	)

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	group := providers.groups["students25@domain.com"]
	if group == nil {
		t.Fatal("グループ students25@domain.com が作成されていない")
	}
	if group.Name != "Class of 2025" {
		t.Errorf("グループ名が一致しない: %s", group.Name)
	}
	if !providers.members[group.ID]["jane@school.org"] {
		t.Errorf("メンバーが一致しない: %v", providers.members[group.ID])
	}

	if len(report.Summaries) != 1 {
		t.Fatalf("サマリー数が一致しない: %d", len(report.Summaries))
	}
	summary := report.Summaries[0]
	if summary.Role != "Student" || summary.Total != 1 || summary.Succeeded != 1 {
		t.Errorf("サマリーが一致しない: %+v", summary)
	}
	if len(summary.Errors) != 0 || len(summary.Warnings) != 0 {
		t.Errorf("エラー・警告なしを期待したが: %+v", summary)
	}

	// ロスターが変わらないまま再実行しても正味の変更は発生しない
	addsAfterFirst := providers.addedMembers
	removesAfterFirst := providers.removedMembers
	groupsAfterFirst := providers.createdGroups

	report, err = runner.Run(context.Background())
	if err != nil {
		t.Fatalf("再実行で予期しないエラー: %v", err)
	}
	if providers.addedMembers != addsAfterFirst {
		t.Errorf("再実行でメンバーが追加された: %d → %d", addsAfterFirst, providers.addedMembers)
	}
	if providers.removedMembers != removesAfterFirst {
		t.Errorf("再実行でメンバーが削除された: %d → %d", removesAfterFirst, providers.removedMembers)
	}
	if providers.createdGroups != groupsAfterFirst {
		t.Errorf("再実行でグループが作成された: %d → %d", groupsAfterFirst, providers.createdGroups)
	}
	if report.Summaries[0].Succeeded != 1 || len(report.Summaries[0].Errors) != 0 {
		t.Errorf("再実行のサマリーが一致しない: %+v", report.Summaries[0])
	}
}

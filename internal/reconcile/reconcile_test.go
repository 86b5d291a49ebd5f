package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/directory"
	"github.com/hitoshi/groupsync/internal/model"
)

// memberOp はフェイクに記録されるメンバー操作。
type memberOp struct {
	groupID string
	email   string
}

// fakeDirectory はDirectoryServiceのインメモリ実装。
type fakeDirectory struct {
	accounts map[string]*model.Account // キーはAccountQuery.String()
	groups   map[string]*model.Group   // キーはグループアドレス
	orgUnits []model.OrgUnit

	createdAccounts []directory.NewAccount
	createdGroups   []model.GroupSpec
	addCalls        []memberOp
	removeCalls     []memberOp

	findAccountErr error
	addMemberErr   error
	removeErr      error
	nextGroupID    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		accounts: make(map[string]*model.Account),
		groups:   make(map[string]*model.Group),
	}
}

func (f *fakeDirectory) FindAccount(ctx context.Context, q directory.AccountQuery) (*model.Account, error) {
	if f.findAccountErr != nil {
		return nil, f.findAccountErr
	}
	return f.accounts[q.String()], nil
}

func (f *fakeDirectory) CreateAccount(ctx context.Context, acct directory.NewAccount) (*model.Account, error) {
	f.createdAccounts = append(f.createdAccounts, acct)
	created := &model.Account{
		ID:           fmt.Sprintf("acct-%d", len(f.createdAccounts)),
		PrimaryEmail: acct.PrimaryEmail,
		GivenName:    acct.GivenName,
		FamilyName:   acct.FamilyName,
		OrgUnitPath:  acct.OrgUnitPath,
	}
	f.accounts[directory.ByEmail(acct.PrimaryEmail).String()] = created
	return created, nil
}

func (f *fakeDirectory) FindGroup(ctx context.Context, email string) (*model.Group, error) {
	return f.groups[email], nil
}

func (f *fakeDirectory) FindGroups(ctx context.Context, namePrefix string) ([]model.Group, error) {
	var out []model.Group
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeDirectory) CreateGroup(ctx context.Context, spec model.GroupSpec, perms model.GroupPermissions) (*model.Group, error) {
	f.createdGroups = append(f.createdGroups, spec)
	f.nextGroupID++
	group := &model.Group{
		ID:    fmt.Sprintf("g-%d", f.nextGroupID),
		Email: spec.Email,
		Name:  spec.Name,
	}
	f.groups[spec.Email] = group
	return group, nil
}

func (f *fakeDirectory) AddMember(ctx context.Context, groupID, email string) (bool, error) {
	if f.addMemberErr != nil {
		return false, f.addMemberErr
	}
	f.addCalls = append(f.addCalls, memberOp{groupID: groupID, email: email})
	return true, nil
}

func (f *fakeDirectory) RemoveMember(ctx context.Context, groupID, email string) (bool, error) {
	if f.removeErr != nil {
		return false, f.removeErr
	}
	f.removeCalls = append(f.removeCalls, memberOp{groupID: groupID, email: email})
	return true, nil
}

func (f *fakeDirectory) ListOrgUnits(ctx context.Context, path string) ([]model.OrgUnit, error) {
	return f.orgUnits, nil
}

// fakeRoster はRosterServiceのインメモリ実装。
type fakeRoster struct {
	users          map[int64]*model.RosterPerson
	updateEmailErr error
	updatedEmails  map[int64]string
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{
		users:         make(map[int64]*model.RosterPerson),
		updatedEmails: make(map[int64]string),
	}
}

func (f *fakeRoster) GetUser(ctx context.Context, id int64) (*model.RosterPerson, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, &model.ProviderError{Kind: model.KindNotFound, Provider: "roster", Message: "user not found"}
	}
	return user, nil
}

func (f *fakeRoster) UpdateEmail(ctx context.Context, id int64, email string) error {
	if f.updateEmailErr != nil {
		return f.updateEmailErr
	}
	f.updatedEmails[id] = email
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		DirectoryDomain:          "domain.com",
		StudentRole:              "Student",
		GuardianRole:             "Parent",
		StudentGroupPrefix:       "students",
		StudentGroupName:         "Class of",
		GuardianGroupPrefix:      "parents",
		GuardianGroupName:        "Parents of the Class of",
		AccountMinGradYear:       2020,
		DefaultAccountPassword:   "changeme",
		DefaultOrgUnitPath:       "/Students",
		StudentGroupPermissions:  model.GroupPermissions{AllowExternalMembers: "false"},
		GuardianGroupPermissions: model.GroupPermissions{AllowExternalMembers: "true"},
	}
}

func testLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil))
}

func TestGroupEmail(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		year    string
		domain  string
		want    string
		wantErr bool
	}{
		{"4桁年度は下2桁に短縮", "students", "2025", "domain.com", "students25@domain.com", false},
		{"2桁年度はそのまま", "parents", "27", "domain.com", "parents27@domain.com", false},
		{"数字でない年度はエラー", "students", "20a5", "domain.com", "", true},
		{"1桁はエラー", "students", "5", "domain.com", "", true},
		{"空文字はエラー", "students", "", "domain.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GroupEmail(tt.prefix, tt.year, tt.domain)
			if (err != nil) != tt.wantErr {
				t.Fatalf("エラー有無が一致しない: %v", err)
			}
			if got != tt.want {
				t.Errorf("期待値 %s, 実際 %s", tt.want, got)
			}
		})
	}
}

package model

// Account はターゲットディレクトリ上のユーザーアカウントを表す。
type Account struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
	GivenName    string `json:"givenName"`
	FamilyName   string `json:"familyName"`
	OrgUnitPath  string `json:"orgUnitPath"`
}

// Group はターゲットディレクトリ上の配信グループを表す。
// Emailは(prefix, 卒業年度, domain)から決定論的に導出される。
type Group struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GroupSpec はグループ作成時の指定内容を表す。
type GroupSpec struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GroupPermissions はグループの権限設定を表す。
// ディレクトリの groups settings リソースにそのままパッチされる。
type GroupPermissions struct {
	WhoCanJoin           string `json:"whoCanJoin,omitempty"`
	WhoCanViewGroup      string `json:"whoCanViewGroup,omitempty"`
	WhoCanViewMembership string `json:"whoCanViewMembership,omitempty"`
	WhoCanPostMessage    string `json:"whoCanPostMessage,omitempty"`
	WhoCanContactOwner   string `json:"whoCanContactOwner,omitempty"`
	AllowExternalMembers string `json:"allowExternalMembers,omitempty"`
}

// OrgUnit はディレクトリの組織部門を表す。
type OrgUnit struct {
	Name        string `json:"name"`
	OrgUnitPath string `json:"orgUnitPath"`
}

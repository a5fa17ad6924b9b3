package migrate

import (
	"strings"
	"testing"
)

func TestSplitStatementsPlain(t *testing.T) {
	script := `create table a (id text);
create table b (id text);`
	got := SplitStatements(script)
	if len(got) != 2 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
}

func TestSplitStatementsKeepsDollarQuotedBodies(t *testing.T) {
	script := `
create or replace function get_balance(p_org text) returns bigint as $$
declare
	v_balance bigint;
begin
	select balance into v_balance from credit_accounts where organization_id = p_org;
	if v_balance is null then
		raise exception 'account not found';
	end if;
	return v_balance;
end;
$$ language plpgsql;

create index idx_accounts_org on credit_accounts(organization_id);`
	got := SplitStatements(script)
	if len(got) != 2 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
	if !strings.Contains(got[0], "raise exception 'account not found';") {
		t.Fatalf("function body was split: %q", got[0])
	}
}

func TestSplitStatementsTaggedDollarQuote(t *testing.T) {
	script := `create function f() returns void as $body$ begin perform 1; end; $body$ language plpgsql;`
	got := SplitStatements(script)
	if len(got) != 1 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
}

func TestSplitStatementsIgnoresSemicolonsInStringsAndComments(t *testing.T) {
	script := `insert into t(name) values ('a;b');
-- trailing; comment
delete from t;`
	got := SplitStatements(script)
	if len(got) != 2 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
	if !strings.Contains(got[0], "'a;b'") {
		t.Fatalf("string literal was split: %q", got[0])
	}
}

package safety

import (
	"fmt"
	"regexp"
)

// Rule matches normalized, lowercased action text.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Table holds the rules for each tier. Deny rules run against the whole
// input; Confirm and Allow rules run per command segment.
type Table struct {
	Deny    []Rule
	Confirm []Rule
	Allow   []Rule
}

func rule(name, expr string) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(expr)}
}

// rootTarget matches "/", "/*", "~", $HOME and top-level system directories
// followed by the end of an argument.
const rootTarget = `(?:/\*?|~/?\*?|\$home/?\*?|\$\{home\}/?\*?|/(?:bin|boot|dev|etc|lib|lib64|opt|root|sbin|srv|sys|usr|var|home)/?\*?)(?:[\s;|&)` + "`" + `]|$)`

var (
	defaultDeny = []Rule{
		// Destructive
		rule("recursive_delete_root", `\brm\s+(?:-{1,2}[\w-]+\s+)*?(?:-[a-z]*r[a-z]*|--recursive)\s+(?:-{1,2}[\w-]+\s+)*(?:--\s+)?`+rootTarget),
		rule("no_preserve_root", `--no-preserve-root\b`),
		rule("find_delete_root", `\bfind\s+(?:-[a-z]+\s+)*`+rootTarget+`[^;|]*?-(?:delete\b|exec(?:dir)?\s+(?:sudo\s+)?rm\b)`),
		rule("tree_removal_root", `\b(?:rmtree|removeall|remove_all|remove_dir_all)\s*\(\s*r?`+rootTarget),
		rule("delete_everything", `\b(?:remove|delete|wipe|erase|destroy|nuke|purge|clear|rm)\b[^.;]*?\b(?:everything|every\s+(?:single\s+)?file|all(?:\s+the)?\s+files|all\s+data|all\s+of|entire|whole)\b[^.;]*?(?:\b(?:root|system|disk|drive|partition|filesystem|file\s+system|computer|machine|home\s+directory|server)\b|(?:^|\s)/(?:\s|$))`),
		rule("wipe_disk", `\b(?:wipe|format|erase|reformat)\s+(?:the\s+|my\s+|this\s+)?(?:entire\s+|whole\s+)?(?:hard\s+)?(?:disk|drive|filesystem|system|partition)\b`),
		rule("mkfs", `\bmkfs(?:\.\w+)?\b`),
		rule("raw_device_write", `\bdd\b[^;|]*\bof=/dev/|>\s*/dev/(?:sd|nvme|hd|vd|xvd|disk|mmcblk)`),
		rule("shred_device", `\bshred\b[^;|]*/dev/`),
		rule("fork_bomb", `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`),
		rule("drop_database", `\bdrop\s+(?:database|schema)\b`),
		rule("clear_crontab", `\bcrontab\s+-r\b`),
		rule("world_writable_root", `\bchmod\s+(?:-[a-z]+\s+)*[0-7]?777\s+`+rootTarget),
		rule("recursive_chown_root", `\bchown\s+(?:-[a-z]+\s+)*-[a-z]*r[a-z]*\s+(?:-[a-z]+\s+)*\S+\s+`+rootTarget),

		// Privilege escalation
		rule("sudo_shell", `\bsudo\s+(?:-[a-z]*[is]\b|su\b|(?:ba|z|k|da)?sh\b)`),
		rule("switch_user_root", `(?:^|[\s;|&])su(?:\s+-\s*|\s+root\b|\s*$|\s+-l\b)`),
		rule("setuid", `\bchmod\s+(?:-[a-z]+\s+)*(?:[ugoa]*\+[a-z]*s|[0-7]?[2467][0-7]{3})\b`),
		rule("sudoers", `\bvisudo\b|/etc/sudoers`),
		rule("root_password", `\bpasswd\s+root\b|\bchpasswd\b`),
		rule("admin_group", `\busermod\b[^;|]*\s-[a-z]*g\s*(?:sudo|wheel|root|admin)\b`),
		rule("grant_root", `\b(?:give|grant)\s+(?:me|myself|\w+)\s+(?:root|admin|sudo|superuser)\b|\b(?:escalate|elevate)\s+(?:my\s+)?privileges?\b`),

		// Exfiltration
		rule("pipe_to_shell", `\b(?:curl|wget|fetch)\b[^|;]*\|\s*(?:sudo\s+)?(?:ba|z|k|da)?sh\b`),
		rule("netcat_exec", `\b(?:nc|ncat|netcat)\b[^;|]*\s-[a-z]*[ec]\b`),
		rule("dev_tcp", `/dev/(?:tcp|udp)/`),
		rule("upload_local_file", `\bcurl\b[^;|]*(?:\s-d|\s--data(?:-binary|-raw|-urlencode)?|\s-f|\s--form|\s-t|\s--upload-file)\s*=?\s*\S*@`),
		rule("secrets_to_network", `\b(?:scp|rsync|curl|wget|nc|ncat|netcat|ftp|sftp)\b[^;]*(?:\.ssh/|/etc/shadow|id_rsa|id_ed25519|id_ecdsa|\.aws/credentials|\.gnupg)`),
		rule("secrets_piped_out", `(?:\.ssh/|/etc/shadow|id_rsa|id_ed25519|\.aws/credentials)[^;]*\|\s*(?:nc|ncat|netcat|curl|wget|mail|sendmail)\b`),
		rule("send_secrets", `\b(?:send|upload|post|email|mail|exfiltrate|transfer|leak|share)\b[^.;]*\b(?:ssh\s+keys?|private\s+keys?|passwords?|credentials|secrets|api\s+keys?|access\s+tokens?|shadow\s+file)\b[^.;]*\b(?:to|with)\b`),
	}

	defaultConfirm = []Rule{
		rule("file_redirect", `(?:^|[^<>&0-9])>{1,2}\s*[^\s&>]`),
		rule("subshell", `\$\(|`+"`"),
		rule("fs_mutation", `^(?:rm|rmdir|mv|cp|touch|mkdir|ln|chmod|chown|chgrp|truncate|tee|install|shred|unlink|rsync|scp|dd|patch|unzip|gunzip|tar\s+-?[a-z]*x)\b`),
		rule("process_control", `^(?:kill|pkill|killall|systemctl|service|reboot|shutdown|halt|poweroff|crontab|launchctl)\b`),
		rule("package_change", `^(?:apt|apt-get|yum|dnf|brew|pip3?|npm|yarn|pnpm|cargo|gem|go)\s+(?:install|uninstall|remove|purge|add|upgrade|update|get|publish|mod\s+tidy)\b`),
		rule("vcs_mutation", `^git\s+(?:push|reset|rebase|commit|merge|checkout|switch|clean|rm|mv|stash|cherry-pick|revert|tag|pull|am|apply|restore|init|clone|branch\s+-[dm])\b`),
		rule("in_place_edit", `\b(?:sed|perl)\s+(?:-[a-z]+\s+)*-[a-z]*i`),
		rule("find_mutation", `\bfind\b.*\s-(?:delete|exec|execdir|ok|okdir)\b`),
		rule("xargs", `\bxargs\b`),
		rule("infra_change", `^(?:docker|podman|kubectl|helm|terraform)\s+(?:rm|rmi|delete|apply|destroy|run|exec|stop|kill|prune|system|scale|rollout|install|uninstall|upgrade|create|patch|replace)\b`),
		rule("sql_write", `\b(?:insert\s+into|update\s+\w+\s+set|delete\s+from|alter\s+table|truncate\s+table|create\s+table|drop\s+table)\b`),
		rule("interpreter", `^(?:bash|sh|zsh|python3?|node|ruby|perl|php|eval|exec|source)\b`),
		rule("mutating_request", `\b(?:write|save|create|delete|remove|rename|move|overwrite|edit|modify|update|change|replace|append|install|uninstall|deploy|restart|stop|kill|commit|push|merge|drop|reset|revert|format|upload|send|run|execute)\b`),
	}

	defaultAllow = []Rule{
		rule("read_only_command", `^(?:ls|ll|la|pwd|cat|head|tail|less|more|wc|file|stat|du|df|whoami|id|date|uptime|uname|hostname|echo|printf|which|whereis|type|ps|top|htop|free|tree|grep|egrep|fgrep|rg|ag|find|diff|cmp|sort|uniq|cut|awk|jq|yq|sha1sum|sha256sum|md5sum|basename|dirname|realpath|readlink|history|man|help|true|nproc|lsof|netstat|ss|ping|dig|nslookup|host)\b`),
		rule("vcs_read", `^git\s+(?:status|log|diff|show|blame|ls-files|ls-tree|rev-parse|describe|shortlog|reflog|remote(?:\s+-v)?\s*$|branch\s*$|branch\s+(?:-a|-r|--list)\b)`),
		rule("tool_read", `^(?:npm|pip3?|go|cargo|brew)\s+(?:list|ls|show|view|version|env|doc|search|info|outdated)\b|^(?:docker|podman|kubectl)\s+(?:ps|images|logs|get|describe|version|inspect|top|stats)\b`),
		rule("question", `^(?:what|which|where|when|who|why|how|is|are|does|do|can|could|should|show|list|explain|describe|tell|display|print|read|view|count|check|summarize|compare)\b`),
	}
)

// DefaultTable returns the built-in rules.
func DefaultTable() Table {
	return Table{
		Deny:    append([]Rule(nil), defaultDeny...),
		Confirm: append([]Rule(nil), defaultConfirm...),
		Allow:   append([]Rule(nil), defaultAllow...),
	}
}

// Extend returns t with extra rules appended per tier.
func (t Table) Extend(extra Table) Table {
	return Table{
		Deny:    append(append([]Rule(nil), t.Deny...), extra.Deny...),
		Confirm: append(append([]Rule(nil), t.Confirm...), extra.Confirm...),
		Allow:   append(append([]Rule(nil), t.Allow...), extra.Allow...),
	}
}

// CompileTable builds a table from raw expressions, naming rules
// "<tier>_<index>". Expressions are matched against lowercased input.
func CompileTable(deny, confirm, allow []string) (Table, error) {
	var t Table
	var err error
	if t.Deny, err = compileRules("deny", deny); err != nil {
		return Table{}, err
	}
	if t.Confirm, err = compileRules("confirm", confirm); err != nil {
		return Table{}, err
	}
	if t.Allow, err = compileRules("allow", allow); err != nil {
		return Table{}, err
	}
	return t, nil
}

func compileRules(tier string, exprs []string) ([]Rule, error) {
	out := make([]Rule, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%s pattern %d: %w", tier, i, err)
		}
		out = append(out, Rule{Name: fmt.Sprintf("%s_%d", tier, i), Pattern: re})
	}
	return out, nil
}

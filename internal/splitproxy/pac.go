package splitproxy

import (
	"strconv"
	"strings"
)

// PACScript renders a proxy auto-config script sending hosts covered by
// rules to the local SOCKS5 listener at proxyAddr and everything else direct.
func PACScript(rules RuleSet, proxyAddr string) string {
	var b strings.Builder
	b.WriteString("function FindProxyForURL(url, host) {\n")
	b.WriteString("    var proxy = " + strconv.Quote("SOCKS5 "+proxyAddr+"; DIRECT") + ";\n")
	b.WriteString("    var rules = [\n")
	for i, r := range rules.Rules() {
		b.WriteString("        " + strconv.Quote(string(r)))
		if i < rules.Len()-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("    ];\n")
	b.WriteString("    host = host.toLowerCase();\n")
	b.WriteString("    for (var i = 0; i < rules.length; i++) {\n")
	b.WriteString("        var rule = rules[i];\n")
	b.WriteString("        if (rule.indexOf(\"*.\") === 0) {\n")
	b.WriteString("            var suffix = rule.substring(2);\n")
	b.WriteString("            if (host === suffix || (host.length > suffix.length && host.substring(host.length - suffix.length - 1) === \".\" + suffix)) {\n")
	b.WriteString("                return proxy;\n")
	b.WriteString("            }\n")
	b.WriteString("        } else if (host === rule) {\n")
	b.WriteString("            return proxy;\n")
	b.WriteString("        }\n")
	b.WriteString("    }\n")
	b.WriteString("    return \"DIRECT\";\n")
	b.WriteString("}\n")
	return b.String()
}

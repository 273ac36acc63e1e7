// Package grub renders bootloader configuration from the inventory
// view: the root MAC-dispatch router, one config per group, and the
// restricted-scope rewrite of each group's start.conf that points
// clients at this Runtime node. All output is sorted so that two
// builds from the same inventory view are byte-identical.
package grub

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/linbo-net/runtime/pkg/inventory"
	"github.com/linbo-net/runtime/pkg/types"
)

// escapeChars are the only characters the shell-escaping rule treats
// as literal. No other characters are rewritten.
const escapeChars = `\*?[]`

// Escape backslash-escapes the characters GRUB's config-file lexer
// would otherwise treat specially: \, *, ?, [, ].
func Escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(escapeChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RenderedFile is one file produced by a build, relative to the
// staging root.
type RenderedFile struct {
	Path string
	Data []byte
}

// HostSymlink describes a per-host symlink the snapshot builder must
// create: boot/grub/hostcfg/<Hostname>.cfg -> ../<Group>.cfg.
type HostSymlink struct {
	Hostname string
	Group    string
}

// Result is everything GrubGenerator produces for one build, plus the
// list of hosts skipped for referencing an unknown group.
type Result struct {
	GroupConfigs  []RenderedFile // boot/grub/<group>.cfg
	RootConfig    RenderedFile   // boot/grub/grub.cfg
	StartConfs    []RenderedFile // start.conf.<group>
	HostSymlinks  []HostSymlink
	SkippedHosts  []string // hostnames referencing an unknown group
	ContentHash   string   // sha256 over the sorted rendered tree
}

// Generate renders the full bootloader tree for view, advertising
// runtimeIP as the boot/sync server.
func Generate(view inventory.View, runtimeIP string) Result {
	groupIDs := sortedGroupIDs(view.Configs)

	var result Result
	for _, gid := range groupIDs {
		cfg := view.Configs[gid]
		result.GroupConfigs = append(result.GroupConfigs, RenderedFile{
			Path: fmt.Sprintf("boot/grub/%s.cfg", gid),
			Data: []byte(renderGroupConfig(gid, cfg, runtimeIP)),
		})
		result.StartConfs = append(result.StartConfs, RenderedFile{
			Path: fmt.Sprintf("start.conf.%s", gid),
			Data: []byte(rewriteStartConf(cfg.RawText, runtimeIP)),
		})
	}

	hostnames := sortedHostnamesByMAC(view.Hosts)
	for _, mac := range hostnames {
		h := view.Hosts[mac]
		if !h.PXEEnabled {
			continue
		}
		if _, ok := view.Configs[h.GroupID]; !ok {
			result.SkippedHosts = append(result.SkippedHosts, h.Hostname)
			continue
		}
		result.HostSymlinks = append(result.HostSymlinks, HostSymlink{
			Hostname: h.Hostname,
			Group:    h.GroupID,
		})
	}
	sort.Slice(result.HostSymlinks, func(i, j int) bool {
		return result.HostSymlinks[i].Hostname < result.HostSymlinks[j].Hostname
	})

	result.RootConfig = RenderedFile{
		Path: "boot/grub/grub.cfg",
		Data: []byte(renderRootConfig(view, result.HostSymlinks)),
	}

	result.ContentHash = contentHash(result)
	return result
}

// sortedGroupIDs returns the group ids of cfgs in ascending order.
func sortedGroupIDs(cfgs map[string]*types.ConfigRecord) []string {
	ids := make([]string, 0, len(cfgs))
	for id := range cfgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// renderGroupConfig renders one group's boot/grub/<group>.cfg: kernel
// path, initramfs path, kernel cmdline with server=<runtime-ip>, and a
// source of the per-host override file layered on top.
func renderGroupConfig(groupID string, cfg *types.ConfigRecord, runtimeIP string) string {
	cmdline := fmt.Sprintf("server=%s group=%s", Escape(runtimeIP), Escape(groupID))

	var b strings.Builder
	fmt.Fprintf(&b, "# group: %s\n", Escape(groupID))
	fmt.Fprintf(&b, "set group=%q\n", Escape(groupID))
	fmt.Fprintf(&b, "linux http://%s/boot/linbo/linux %s\n", Escape(runtimeIP), cmdline)
	fmt.Fprintf(&b, "initrd http://%s/boot/linbo/initramfs\n", Escape(runtimeIP))
	fmt.Fprintf(&b, "if [ -f \"$prefix/hostcfg/${hostname}.cfg\" ]; then\n")
	fmt.Fprintf(&b, "  source \"$prefix/hostcfg/${hostname}.cfg\"\n")
	fmt.Fprintf(&b, "fi\n")
	return b.String()
}

// renderRootConfig renders boot/grub/grub.cfg: a MAC-dispatch table
// built from the hostcfg symlinks that actually exist, sorted by MAC,
// falling back to a generic menu when no symlink matches.
func renderRootConfig(view inventory.View, symlinks []HostSymlink) string {
	byHostname := make(map[string]string, len(symlinks))
	for _, s := range symlinks {
		byHostname[s.Hostname] = s.Group
	}

	macs := make([]string, 0, len(view.Hosts))
	for mac := range view.Hosts {
		macs = append(macs, mac)
	}
	sort.Strings(macs)

	var b strings.Builder
	b.WriteString("# root router: MAC-dispatch to per-host config\n")
	b.WriteString("insmod net\ninsmod efinet\n")

	for _, mac := range macs {
		h := view.Hosts[mac]
		if _, ok := byHostname[h.Hostname]; !ok {
			continue
		}
		fmt.Fprintf(&b, "if [ \"$net_default_mac\" = %q ]; then\n", Escape(mac))
		fmt.Fprintf(&b, "  source \"$prefix/hostcfg/%s.cfg\"\n", Escape(h.Hostname))
		fmt.Fprintf(&b, "fi\n")
	}

	b.WriteString("# fallback: no matching host\nmenuentry \"Rescue\" {\n  echo \"no configuration for this MAC\"\n}\n")
	return b.String()
}

// rewriteStartConf applies the Server-rewriting rule: within the
// [LINBO] section only, replace "Server = <x>" with the runtime IP
// and rewrite every whitespace-delimited "server=<token>" occurrence
// inside a KernelOptions line in that same section. Every other
// section is passed through byte-for-byte.
func rewriteStartConf(raw, runtimeIP string) string {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out strings.Builder
	inLinbo := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			inLinbo = strings.EqualFold(trimmed, "[LINBO]")
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		if inLinbo {
			if rewritten, ok := rewriteServerLine(line, runtimeIP); ok {
				out.WriteString(rewritten)
				out.WriteByte('\n')
				continue
			}
			if rewritten, ok := rewriteKernelOptionsLine(line, runtimeIP); ok {
				out.WriteString(rewritten)
				out.WriteByte('\n')
				continue
			}
		}

		out.WriteString(line)
		out.WriteByte('\n')
	}

	return out.String()
}

// rewriteServerLine matches "Server = <x>" (case-insensitive key)
// and replaces the value with runtimeIP.
func rewriteServerLine(line, runtimeIP string) (string, bool) {
	key, val, eq, ok := splitIniLine(line)
	if !ok || !strings.EqualFold(strings.TrimSpace(key), "server") {
		return "", false
	}
	_ = val
	return fmt.Sprintf("%s%s%s", key, eq, runtimeIP), true
}

// rewriteKernelOptionsLine matches "KernelOptions = ..." and replaces
// every whitespace-delimited server=<token> occurrence within the
// value with server=<runtimeIP>.
func rewriteKernelOptionsLine(line, runtimeIP string) (string, bool) {
	key, val, eq, ok := splitIniLine(line)
	if !ok || !strings.EqualFold(strings.TrimSpace(key), "kerneloptions") {
		return "", false
	}

	fields := strings.Fields(val)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "server=") {
			fields[i] = "server=" + runtimeIP
		}
	}
	return fmt.Sprintf("%s%s%s", key, eq, strings.Join(fields, " ")), true
}

// splitIniLine splits "Key = Value". key is the text before the '='
// exactly as written (surrounding whitespace included), val is the
// trimmed value, and sep is always "= ", so reconstruction keeps the
// key's original spelling and indentation.
func splitIniLine(line string) (key, val, sep string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", "", false
	}
	rawKey := line[:idx]
	key = strings.TrimSpace(rawKey)
	if key == "" {
		return "", "", "", false
	}
	val = strings.TrimSpace(line[idx+1:])

	// Preserve the leading whitespace/key exactly as written, and a
	// conventional " = " separator for the rewritten value, matching
	// the Runtime's own emitted style for config it owns.
	keyPrefix := line[:idx]
	return keyPrefix, val, "= ", true
}

// contentHash computes a sha256 digest over the sorted rendered file
// tree: path, then a newline, then the file's bytes, for each file in
// ascending path order. This is the manifest's contentHash.
func contentHash(r Result) string {
	var all []RenderedFile
	all = append(all, r.GroupConfigs...)
	all = append(all, r.RootConfig)
	all = append(all, r.StartConfs...)
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })

	h := sha256.New()
	for _, f := range all {
		h.Write([]byte(f.Path))
		h.Write([]byte{'\n'})
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sortedHostnamesByMAC returns the MACs of hosts sorted ascending.
func sortedHostnamesByMAC(hosts map[string]*types.HostRecord) []string {
	macs := make([]string, 0, len(hosts))
	for mac := range hosts {
		macs = append(macs, mac)
	}
	sort.Strings(macs)
	return macs
}

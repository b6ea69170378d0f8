package catalog

// SampleYAML is the starter catalog written by capl init.
const SampleYAML = `version: "1"
generatedAt: ""
capabilities:
  - id: disk-usage
    title: Disk usage
    description: Report free space on the root volume.
    category: diagnostics
    executionMode: process
    commandTemplate: df -k {{path}}
    arguments:
      - name: path
        default: /
        description: Mount point to inspect
    riskClass: safe
    outputParsing:
      mode: disk-info
    uiHints:
      estimatedDuration: 1s

  - id: memory-info
    title: Memory pressure
    description: Summarize used and free memory.
    category: diagnostics
    executionMode: process
    commandTemplate: vm_stat 2>/dev/null || free -b
    riskClass: safe
    outputParsing:
      mode: memory-info

  - id: large-downloads
    title: Large downloads
    description: List files over 100 MB in the Downloads folder.
    category: diagnostics
    executionMode: process
    commandTemplate: find ~/Downloads -type f -size +100M
    riskClass: safe
    preflightChecks:
      - type: path-exists
        value: ~/Downloads
    outputParsing:
      mode: process-list

  - id: clear-user-caches
    title: Clear user caches
    description: Delete files under the user cache directory.
    category: cleanup
    executionMode: process
    commandTemplate: rm -rf ~/Library/Caches/*
    dryRunSupported: true
    dryRunCommand: du -sh ~/Library/Caches
    riskClass: destructive
    preflightChecks:
      - type: path-exists
        value: ~/Library/Caches
      - type: note
        value: Applications may rebuild caches on next launch.
    uiHints:
      confirmationText: Delete all user caches?
      warningText: Open applications may misbehave until restarted.
      appsToClose: [Safari, Mail]

  - id: flush-dns
    title: Flush DNS cache
    description: Clear the system resolver cache.
    category: maintenance
    executionMode: privileged
    commandTemplate: dscacheutil -flushcache && killall -HUP mDNSResponder
    requiredPrivilege: elevated
    riskClass: moderate
    preflightChecks:
      - type: min-os-version
        value: "12.0"
      - type: command-exists
        value: /usr/bin/dscacheutil
    uiHints:
      confirmationText: Flush the DNS cache now?

  - id: safari-tab-count
    title: Count Safari tabs
    description: Ask Safari how many tabs are open.
    category: browser-control
    executionMode: automation
    automationScript: tell application "Safari" to count tabs of every window
    requiredPermissions:
      - kind: automation
        target: Safari
    riskClass: safe
    preflightChecks:
      - type: app-installed
        value: Safari
`

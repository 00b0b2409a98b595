package orchestrator

import "fmt"

// projectDir is where every build's source tree lives inside the sandbox.
const projectDir = "/workspace/project"

// Supported project type tags, as emitted by the detection script.
const (
	projectNextJS    = "nextjs"
	projectHugo      = "hugo"
	projectJekyll    = "jekyll"
	projectEleventy  = "eleventy"
	projectAstro     = "astro"
	projectPlainHTML = "plain-html"
)

func supportedProject(tag string) bool {
	switch tag {
	case projectNextJS, projectHugo, projectJekyll, projectEleventy, projectAstro, projectPlainHTML:
		return true
	}
	return false
}

// detectScript prints exactly one project type tag. Checks run most-specific
// first; a bare index.html is the weakest signal.
const detectScript = `cd /workspace/project
if ls next.config.js next.config.mjs next.config.ts >/dev/null 2>&1; then echo nextjs
elif ls astro.config.js astro.config.mjs astro.config.ts >/dev/null 2>&1; then echo astro
elif ls .eleventy.js eleventy.config.js eleventy.config.mjs >/dev/null 2>&1; then echo eleventy
elif ls hugo.toml hugo.yaml hugo.json >/dev/null 2>&1; then echo hugo
elif [ -f config.toml ] && grep -q baseURL config.toml 2>/dev/null; then echo hugo
elif [ -f _config.yml ]; then echo jekyll
elif [ -f index.html ]; then echo plain-html
else echo unknown
fi`

// buildStep is one command in a project's pipeline. InjectEnv passes the
// decrypted env vars into the command's environment.
type buildStep struct {
	Name      string
	Message   string
	Command   string
	InjectEnv bool
}

// stepsFor returns the ordered pipeline for a project type. The static
// generators all land their output in .static-site/assets so the artifact
// reader has one convention to follow.
func stepsFor(projectType string) []buildStep {
	switch projectType {
	case projectNextJS:
		return []buildStep{
			{Name: "install-deps", Message: "Installing dependencies", Command: "bun install --frozen-lockfile || bun install"},
			{Name: "build-nextjs", Message: "Building Next.js application", Command: "bun run build", InjectEnv: true},
			{Name: "bundle-nextjs", Message: "Bundling worker", Command: "bunx @opennextjs/cloudflare build", InjectEnv: true},
			{Name: "package-nextjs", Message: "Packaging build output", Command: "tar -czf .bundled-app -C .open-next --exclude=./assets ."},
		}
	case projectHugo:
		return []buildStep{
			{Name: "build-hugo", Message: "Building Hugo site", Command: "hugo --minify --destination .static-site/assets", InjectEnv: true},
		}
	case projectJekyll:
		return []buildStep{
			{Name: "install-deps", Message: "Installing dependencies", Command: "bundle install"},
			{Name: "build-jekyll", Message: "Building Jekyll site", Command: "bundle exec jekyll build --destination .static-site/assets", InjectEnv: true},
		}
	case projectEleventy:
		return []buildStep{
			{Name: "install-deps", Message: "Installing dependencies", Command: "bun install"},
			{Name: "build-eleventy", Message: "Building Eleventy site", Command: "bunx @11ty/eleventy --output=.static-site/assets", InjectEnv: true},
		}
	case projectAstro:
		return []buildStep{
			{Name: "install-deps", Message: "Installing dependencies", Command: "bun install"},
			{Name: "build-astro", Message: "Building Astro site", Command: "bun run build", InjectEnv: true},
			{Name: "package-astro", Message: "Packaging build output", Command: "mkdir -p .static-site && cp -r dist .static-site/assets"},
		}
	case projectPlainHTML:
		return []buildStep{
			{Name: "package-static", Message: "Packaging static site",
				Command: "mkdir -p .static-site/assets && tar -cf - --exclude=./.git --exclude=./.static-site . | tar -xf - -C .static-site/assets"},
		}
	default:
		return nil
	}
}

// migratePackage and migrateScript gate the conditional database migration
// step: both must be present in package.json for it to run.
const (
	migratePackage = "@kilocode/app-builder-db"
	migrateScript  = "db:migrate"
	migrateCommand = "bun run db:migrate"
)

// cloneURL assembles the clone URL for a git source, embedding the access
// token as x-access-token credentials when present. repoSource is either an
// owner/repo shorthand for a known provider or a full https URL.
func cloneURL(gitProvider, repoSource, token string) string {
	var url string
	switch gitProvider {
	case "github":
		url = "https://github.com/" + repoSource + ".git"
	case "gitlab":
		url = "https://gitlab.com/" + repoSource + ".git"
	default:
		url = repoSource
	}
	if token == "" {
		return url
	}
	const scheme = "https://"
	if len(url) > len(scheme) && url[:len(scheme)] == scheme {
		return fmt.Sprintf("%sx-access-token:%s@%s", scheme, token, url[len(scheme):])
	}
	return url
}

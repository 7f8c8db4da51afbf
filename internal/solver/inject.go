package solver

import (
	"context"
	"fmt"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// responseInputs maps widget kind to the hidden input the page's own
// scripts read the token from.
var responseInputs = map[string]struct {
	inputName string
	widgetSel string
}{
	KindTurnstile:   {"cf-turnstile-response", ".cf-turnstile"},
	KindHCaptcha:    {"h-captcha-response", ".h-captcha"},
	KindRecaptchaV2: {"g-recaptcha-response", ".g-recaptcha"},
}

const injectScriptTemplate = `(() => {
  const token = %q;
  const fire = (el) => {
    el.dispatchEvent(new Event('input', { bubbles: true }));
    el.dispatchEvent(new Event('change', { bubbles: true }));
  };
  const input = document.querySelector("input[name='%s']") || document.querySelector("textarea[name='%s']");
  if (input) {
    input.value = token;
    fire(input);
    return 'input';
  }
  const widget = document.querySelector('%s');
  if (widget) {
    const cb = widget.getAttribute('data-callback');
    if (cb && typeof window[cb] === 'function') {
      window[cb](token);
      return 'callback';
    }
  }
  const anchor = widget || document.body;
  const form = (anchor.closest && anchor.closest('form')) || document.querySelector('form');
  if (form) {
    const hidden = document.createElement('input');
    hidden.type = 'hidden';
    hidden.name = '%s';
    hidden.value = token;
    form.appendChild(hidden);
    const submit = form.querySelector("button[type='submit'], input[type='submit']");
    if (submit) { submit.click(); } else { form.submit(); }
    return 'form';
  }
  return 'none';
})()`

// InjectToken applies a solved token to the page. The delivery ladder
// is the named response input, then the widget's registered callback,
// then a synthesized hidden input on the nearest form followed by
// submit. A token that cannot be delivered is spent; the returned
// *collector.InjectionError tells the resolver to fall through to the
// next backend rather than re-solve.
func InjectToken(ctx context.Context, page collector.BrowserPage, widget Widget, token string) error {
	target, ok := responseInputs[widget.Kind]
	if !ok {
		return &collector.InjectionError{Widget: widget.Kind, Err: fmt.Errorf("unsupported widget kind")}
	}
	script := fmt.Sprintf(injectScriptTemplate,
		token, target.inputName, target.inputName, target.widgetSel, target.inputName)

	var delivered string
	if err := page.Evaluate(ctx, script, &delivered); err != nil {
		return &collector.InjectionError{Widget: widget.Kind, Err: err}
	}
	if delivered == "none" {
		return &collector.InjectionError{Widget: widget.Kind, Err: fmt.Errorf("no input, callback or form to receive token")}
	}
	return nil
}

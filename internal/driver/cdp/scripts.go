// internal/driver/cdp/scripts.go
package cdp

// worldName names the isolated world the driver evaluates in. Page scripts
// share the DOM with it but cannot see or tamper with the helper.
const worldName = "scalpel-driver"

// helperScript installs globalThis.__scalpel in a fresh isolated world.
// Every entry point returns {value} or {error, message}, where error is a
// WebDriver error code.
const helperScript = `(() => {
  if (globalThis.__scalpel) return;

  const refs = new Map();
  const ids = new WeakMap();
  let seq = 0;

  const fail = (code, message) => { throw { code, message }; };

  const ref = (n) => {
    let id = ids.get(n);
    if (!id) {
      id = 'ref-' + (++seq);
      ids.set(n, id);
      refs.set(id, n);
    }
    return id;
  };

  const node = (id) => {
    const n = refs.get(id);
    if (!n || !n.isConnected || n.ownerDocument !== document) {
      fail('stale element reference', 'element ' + id + ' is not attached to the current document');
    }
    return n;
  };

  const squash = (s) => (s || '').replace(/\s+/g, ' ').trim();

  const xpath = (expr, scope) => {
    let snap;
    try {
      snap = document.evaluate(expr, scope, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    } catch (e) {
      fail('invalid selector', String(e.message || e));
    }
    const out = [];
    for (let i = 0; i < snap.snapshotLength; i++) {
      const n = snap.snapshotItem(i);
      if (n.nodeType !== Node.ELEMENT_NODE) {
        fail('invalid selector', 'xpath ' + expr + ' selects a non-element node');
      }
      out.push(n);
    }
    return out;
  };

  const find = (using, value, from) => {
    const scope = from ? node(from) : document;
    switch (using) {
      case 'css selector':
        try {
          return Array.from(scope.querySelectorAll(value));
        } catch (e) {
          fail('invalid selector', String(e.message || e));
        }
      case 'tag name':
        return Array.from(scope.getElementsByTagName(value));
      case 'link text':
        return Array.from(scope.querySelectorAll('a')).filter((a) => squash(a.textContent) === value);
      case 'partial link text':
        return Array.from(scope.querySelectorAll('a')).filter((a) => squash(a.textContent).includes(value));
      case 'xpath':
        return xpath(value, scope);
    }
    fail('invalid argument', 'unknown locator strategy ' + using);
  };

  const displayed = (el) => {
    if (typeof el.checkVisibility === 'function') {
      return el.checkVisibility({ checkOpacity: false, checkVisibilityCSS: true });
    }
    const style = getComputedStyle(el);
    return style.display !== 'none' && style.visibility !== 'hidden' && el.getClientRects().length > 0;
  };

  const path = (el) => {
    const steps = [];
    for (let n = el; n && n.nodeType === Node.ELEMENT_NODE; n = n.parentElement) {
      if (n !== el && n.id) {
        return "//*[@id='" + n.id + "']/" + steps.join('/');
      }
      let i = 1;
      for (let s = n.previousElementSibling; s; s = s.previousElementSibling) {
        if (s.localName === n.localName) i++;
      }
      steps.unshift(n.localName + '[' + i + ']');
    }
    return '/' + steps.join('/');
  };

  const api = {
    find: (using, value, from) => find(using, value, from).map(ref),
    describe: (id) => {
      const el = node(id);
      const attributes = {};
      for (const a of el.attributes) attributes[a.name] = a.value;
      return {
        tag: el.localName,
        text: squash(el.innerText !== undefined ? el.innerText : el.textContent),
        attributes,
        displayed: displayed(el),
        path: path(el),
      };
    },
    active: () => ref(document.activeElement || document.body || document.documentElement),
    host: (el) => ({ ref: ref(el), id: el.id || '', name: el.getAttribute('name') || '', tag: el.localName }),
    state: () => ({ title: document.title, url: document.URL, ready: document.readyState, name: window.name }),
    setName: (name) => { window.name = name; },
    navigate: (url) => { location.href = url; },
    reload: () => { location.reload(); },
  };

  globalThis.__scalpel = {
    call(fn, ...args) {
      try {
        return { value: api[fn](...args) };
      } catch (e) {
        if (e && e.code) return { error: e.code, message: e.message };
        return { error: 'unknown error', message: String(e && e.message || e) };
      }
    },
  };
})()`

// hostFunction is called on a frame owner element resolved in the parent's
// world.
const hostFunction = `function() { return globalThis.__scalpel.call('host', this); }`

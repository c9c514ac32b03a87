package browser

// The scripts below are submitted to the browser as opaque blobs; nothing
// in this process executes them. initScript runs on every document load in
// a page, consumeDirtyScript and paintDebounceScript are evaluated on
// demand by the capture loop.

// initScript forces a black background as early as possible so navigation
// flashes never reach the matrix, then installs the __hb change tracker: a
// MutationObserver over the whole document plus resize/scroll listeners,
// all funnelled into a single dirty flag.
const initScript = `(() => {
  const dark = () => {
    try {
      if (document.documentElement) document.documentElement.style.background = '#000';
      if (document.body) document.body.style.background = '#000';
    } catch (e) {}
  };
  dark();
  document.addEventListener('DOMContentLoaded', dark);

  if (window.__hb) return;
  window.__hb = { dirty: true, dirtyTs: Date.now(), seq: 0 };
  const mark = () => {
    window.__hb.dirty = true;
    window.__hb.seq++;
    window.__hb.dirtyTs = Date.now();
  };
  const observe = () => {
    try {
      new MutationObserver(mark).observe(document.documentElement, {
        subtree: true,
        childList: true,
        attributes: true,
        characterData: true,
      });
    } catch (e) {}
  };
  if (document.documentElement) {
    observe();
  } else {
    document.addEventListener('DOMContentLoaded', observe);
  }
  window.addEventListener('resize', mark);
  window.addEventListener('scroll', mark, true);
})();`

// consumeDirtyScript reads and clears the dirty flag, returning the prior
// value. A page without the tracker counts as clean.
const consumeDirtyScript = `(() => {
  if (!window.__hb) return false;
  const d = !!window.__hb.dirty;
  window.__hb.dirty = false;
  return d;
})();`

// markDirtyScript raises the dirty flag, used after a reload so the next
// loop iteration captures unconditionally.
const markDirtyScript = `(() => {
  if (window.__hb) {
    window.__hb.dirty = true;
    window.__hb.dirtyTs = Date.now();
  }
  return true;
})();`

// paintDebounceScript resolves after two nested animation frames, letting
// transient DOM states settle before a capture.
const paintDebounceScript = `new Promise((resolve) => {
  requestAnimationFrame(() => requestAnimationFrame(() => resolve(true)));
});`

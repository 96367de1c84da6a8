package browser

// Page probes evaluated in the remote tab. Each returns plain JSON values.
const (
	selTextArea  = `textarea, div[contenteditable="true"], div[role="textbox"]`
	selFileInput = `input[type="file"]`

	// pageState reports every video source on the page and any blocking
	// message. Moderation text inside the prompt box does not count.
	jsPageState = `(() => {
  const videos = Array.from(document.querySelectorAll('video')).map(v => v.src).filter(s => s);
  const body = document.body ? document.body.innerText : '';
  let alert = '';
  if (body.includes('Rate limit reached') || body.includes('Upgrade to unlock more')) {
    alert = 'rate_limited';
  } else if (body.includes('Content Moderated') || body.includes('Try a different idea')) {
    const hints = Array.from(document.querySelectorAll('div, span, p')).filter(el =>
      el.innerText && (el.innerText.includes('Content Moderated') || el.innerText.includes('Try a different idea')) &&
      !el.closest('textarea, [contenteditable="true"]'));
    if (hints.length > 0) alert = 'moderated';
  }
  return {videos, alert};
})()`

	jsUploadReady = `(() => {
  const placeholder = Array.from(document.querySelectorAll('textarea, input[type="text"]')).some(el => {
    const ph = el.getAttribute('placeholder');
    return ph && (ph.includes('Type to customize video') || ph.includes('Customize video'));
  });
  const makeBtn = Array.from(document.querySelectorAll('button')).some(b =>
    b.innerText.includes('Make video') && !b.disabled && !b.classList.contains('disabled'));
  return placeholder || makeBtn;
})()`

	// jsRevealUpload leaves a post view or opens the upload control so the
	// file input exists.
	jsRevealUpload = `(() => {
  if (document.querySelector('input[type="file"]')) return true;
  const close = document.querySelector('button[aria-label="Close"]') || document.querySelector('button[aria-label="Back"]');
  if (close) { close.click(); return false; }
  const trigger = Array.from(document.querySelectorAll('button')).find(b => {
    const label = (b.ariaLabel || b.title || '').toLowerCase();
    return label.includes('upload') || label.includes('image') || label.includes('photo') || label.includes('add');
  });
  if (trigger) trigger.click();
  return false;
})()`

	jsInputEmpty = `(() => {
  const el = document.querySelector('textarea, div[contenteditable="true"], div[role="textbox"]');
  return !el || (el.value || el.textContent || '').trim() === '';
})()`

	jsClickSend = `(() => {
  const btn = Array.from(document.querySelectorAll('button')).find(b => {
    if (b.closest('nav') || b.closest('aside') || b.closest('[role="navigation"]')) return false;
    const label = (b.textContent || b.ariaLabel || b.title || '').trim().toLowerCase();
    return label === 'make video' || label === 'send' || label === 'generate';
  });
  if (!btn || btn.disabled || btn.classList.contains('disabled')) return false;
  btn.click();
  return true;
})()`

	jsSkipPresent = `Array.from(document.querySelectorAll('button')).some(b =>
  (b.innerText || b.ariaLabel || '').toLowerCase() === 'skip' && !b.disabled)`

	jsClickSkip = `(() => {
  const btn = Array.from(document.querySelectorAll('button')).find(b =>
    (b.innerText || b.ariaLabel || '').toLowerCase() === 'skip' && !b.disabled);
  if (btn) btn.click();
  return !!btn;
})()`

	jsClickRedo = `(() => {
  const btn = Array.from(document.querySelectorAll('button')).find(b =>
    (b.innerText.includes('Redo') || b.innerText.includes('Regenerate') ||
     (b.getAttribute('aria-label') || '').includes('Regenerate')) && !b.disabled);
  if (btn) btn.click();
  return !!btn;
})()`

	jsClickUpscale = `(() => {
  const find = scope => Array.from(scope.querySelectorAll('button, div[role="button"], div[role="menuitem"]'))
    .find(el => (el.innerText || el.ariaLabel || '').trim().toLowerCase().startsWith('upscale'));
  const main = document.querySelector('main') || document.body;
  let btn = find(main);
  if (!btn) {
    const more = Array.from(main.querySelectorAll('button')).find(b => {
      const label = (b.ariaLabel || b.title || '').toLowerCase();
      return label.includes('more');
    });
    if (!more) return 'missing';
    more.click();
    return 'menu';
  }
  btn.click();
  return 'clicked';
})()`

	jsClickUpscaleInMenu = `(() => {
  const btn = Array.from(document.querySelectorAll('button, div[role="button"], div[role="menuitem"]'))
    .find(el => (el.innerText || el.ariaLabel || '').trim().toLowerCase().startsWith('upscale'));
  if (btn) btn.click();
  return !!btn;
})()`

	jsLatestVideo = `(() => {
  const videos = Array.from(document.querySelectorAll('video')).map(v => v.src).filter(s => s);
  return videos.length ? videos[videos.length - 1] : '';
})()`

	// jsLastFrame resolves to a PNG data URL of the final frame of src.
	jsLastFrame = `(async (src) => {
  const res = await fetch(src);
  const blob = await res.blob();
  const url = URL.createObjectURL(blob);
  const video = document.createElement('video');
  video.muted = true;
  video.src = url;
  await new Promise((ok, fail) => { video.onloadedmetadata = ok; video.onerror = () => fail(new Error('video load failed')); });
  video.currentTime = Math.max(0, video.duration - 0.1);
  await new Promise(ok => { video.onseeked = ok; });
  const canvas = document.createElement('canvas');
  canvas.width = video.videoWidth;
  canvas.height = video.videoHeight;
  canvas.getContext('2d').drawImage(video, 0, 0);
  URL.revokeObjectURL(url);
  return canvas.toDataURL('image/png');
})`

	// jsFetchBase64 resolves to the base64 body of src.
	jsFetchBase64 = `(async (src) => {
  const res = await fetch(src);
  const buf = new Uint8Array(await res.arrayBuffer());
  let bin = '';
  for (let i = 0; i < buf.length; i += 0x8000) {
    bin += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
  }
  return btoa(bin);
})`
)
